package main

import "github.com/aceteam-ai/warden/cmd"

func main() {
	cmd.Execute()
}
