// cmd/status.go
package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	noColor     bool
)

var statusCmd = &cobra.Command{
	Use:     "status [job-id]",
	Aliases: []string{"st"},
	Short:   "Show orchestrator state: leases, pools, and jobs",
	Long: `Queries a running orchestrator over the HTTP API. Without
arguments it prints health, active leases, and worker pools. With a job id
it prints that job's full record.`,
	Example: `  # Cluster overview
  warden status

  # One job's record
  warden status job-42`,
	Args: cobra.MaximumNArgs(1),
	Run:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "orchestrator API URL")
	statusCmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	if noColor {
		color.NoColor = true
	}

	if len(args) == 1 {
		showJob(args[0])
		return
	}

	showOverview()
}

func fetchJSON(path string, out any) error {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Get(serverURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body map[string]any
		json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("%s returned %d: %v", path, resp.StatusCode, body["error"])
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func showJob(jobID string) {
	var job map[string]any
	if err := fetchJSON("/jobs/"+jobID, &job); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	headerColor.Printf("Job %s\n", jobID)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "  Type:\t%v\n", job["type"])
	fmt.Fprintf(w, "  Status:\t%s\n", statusWord(fmt.Sprint(job["status"])))
	fmt.Fprintf(w, "  Attempts:\t%v\n", job["attempts"])
	if owner, ok := job["owner_pool"]; ok && owner != "" {
		fmt.Fprintf(w, "  Pool:\t%v\n", owner)
	}
	if lastErr, ok := job["last_error"]; ok && lastErr != "" {
		fmt.Fprintf(w, "  Last error:\t%v\n", lastErr)
	}
	w.Flush()
}

func showOverview() {
	var health map[string]any
	if err := fetchJSON("/health", &health); err != nil {
		fmt.Fprintf(os.Stderr, "Error: orchestrator unreachable: %v\n", err)
		os.Exit(1)
	}

	headerColor.Println("Orchestrator")
	role := "follower"
	if health["leader"] == true {
		role = "leader"
	}
	fmt.Printf("  Version: %v  Role: %s  Active leases: %v\n",
		health["version"], role, health["active_leases"])
	if jobs, ok := health["jobs"].(map[string]any); ok && len(jobs) > 0 {
		fmt.Print("  Jobs:")
		for status, n := range jobs {
			fmt.Printf(" %s=%v", status, n)
		}
		fmt.Println()
	}

	var leases struct {
		Leases []map[string]any `json:"leases"`
	}
	if err := fetchJSON("/leases", &leases); err == nil {
		headerColor.Println("\nLeases")
		if len(leases.Leases) == 0 {
			fmt.Println("  (none)")
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, l := range leases.Leases {
			resource := "cpu"
			if idx, ok := l["resource_index"]; ok {
				resource = fmt.Sprintf("gpu%v", idx)
			}
			fmt.Fprintf(w, "  %v\t%v\t%s\t%v\n", l["token"], l["agent"], resource, l["expires_at"])
		}
		w.Flush()
	}

	var pools struct {
		Pools []map[string]any `json:"pools"`
	}
	if err := fetchJSON("/workers/pool", &pools); err == nil {
		headerColor.Println("\nPools")
		if len(pools.Pools) == 0 {
			fmt.Println("  (none)")
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, p := range pools.Pools {
			fmt.Fprintf(w, "  %v\t%v\t%v/%v workers\t%s\n",
				p["pool_id"], p["model"], p["spawned_workers"], p["desired_workers"],
				statusWord(fmt.Sprint(p["status"])))
		}
		w.Flush()
	}
}

func statusWord(status string) string {
	switch status {
	case "running", "done":
		return goodColor.Sprint(status)
	case "draining", "pending", "claimed", "starting":
		return warnColor.Sprint(status)
	case "failed", "dead_letter", "evicted":
		return badColor.Sprint(status)
	default:
		return status
	}
}
