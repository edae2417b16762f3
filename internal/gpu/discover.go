// Package gpu discovers schedulable accelerator capacity on the host.
// Discovery shells out to nvidia-smi; hosts without NVIDIA tooling report
// zero devices rather than an error so the orchestrator can fall back to
// configured capacity.
package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/aceteam-ai/warden/internal/store"
)

// Device is one detected GPU.
type Device struct {
	Index    int
	Name     string
	MemoryMB int64
	Driver   string
}

// runner executes the query command. Swappable in tests.
var runner = func(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "nvidia-smi", args...).Output()
}

// Available reports whether nvidia-smi responds on this host.
func Available(ctx context.Context) bool {
	_, err := runner(ctx, "-L")
	return err == nil
}

// Discover queries nvidia-smi for the installed devices.
func Discover(ctx context.Context) ([]Device, error) {
	output, err := runner(ctx,
		"--query-gpu=index,name,memory.total,driver_version",
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil, fmt.Errorf("failed to query NVIDIA GPUs: %w", err)
	}
	return parseQuery(string(output))
}

func parseQuery(output string) ([]Device, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, nil
	}

	lines := strings.Split(output, "\n")
	devices := make([]Device, 0, len(lines))
	for _, line := range lines {
		parts := strings.Split(line, ",")
		if len(parts) < 4 {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("bad GPU index in %q: %w", line, err)
		}
		memory, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad GPU memory in %q: %w", line, err)
		}
		devices = append(devices, Device{
			Index:    index,
			Name:     strings.TrimSpace(parts[1]),
			MemoryMB: memory,
			Driver:   strings.TrimSpace(parts[3]),
		})
	}
	return devices, nil
}

// Resources converts discovered devices to store resource rows.
func Resources(devices []Device) []store.Resource {
	resources := make([]store.Resource, 0, len(devices))
	for _, d := range devices {
		resources = append(resources, store.Resource{
			ResourceIndex: d.Index,
			Name:          d.Name,
			CapacityMB:    d.MemoryMB,
		})
	}
	return resources
}
