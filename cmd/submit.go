// cmd/submit.go
package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	serverURL     string
	submitJobID   string
	submitType    string
	submitPayload string
	submitAgent   string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job to a running orchestrator",
	Long: `Submits one job over the HTTP API. The job id is the idempotency
key: submitting the same id twice queues the job once.`,
	Example: `  # Submit an inference job
  warden submit --type inference --payload '{"prompt":"hello"}'

  # Retry-safe submission with an explicit id
  warden submit --id job-42 --type inference --payload '{"prompt":"hello"}'`,
	Run: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "orchestrator API URL")
	submitCmd.Flags().StringVar(&submitJobID, "id", "", "job id (default: generated)")
	submitCmd.Flags().StringVar(&submitType, "type", "inference", "job type")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "{}", "JSON payload")
	submitCmd.Flags().StringVar(&submitAgent, "agent", "", "agent identity for admission (default: hostname)")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) {
	if submitJobID == "" {
		submitJobID = fmt.Sprintf("job-%s", uuid.New().String()[:8])
	}
	if submitAgent == "" {
		submitAgent, _ = os.Hostname()
	}

	body, _ := json.Marshal(map[string]string{
		"job_id":  submitJobID,
		"type":    submitType,
		"payload": submitPayload,
		"agent":   submitAgent,
	})

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Post(serverURL+"/jobs/submit", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: submission failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(os.Stderr, "Error: bad response: %v\n", err)
		os.Exit(1)
	}

	switch resp.StatusCode {
	case http.StatusAccepted:
		color.Green("✓ Job %s accepted", submitJobID)
	case http.StatusOK:
		color.Yellow("• Job %s already queued", submitJobID)
	default:
		color.Red("✗ Submission rejected (%d): %v", resp.StatusCode, result["error"])
		os.Exit(1)
	}
}
