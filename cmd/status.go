package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fitbot/pkg/dispatch"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	statusURL     string
	statusTimeout time.Duration
)

var (
	statusLabel = lipgloss.NewStyle().Bold(true).Width(12)
	statusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("114")).Bold(true)
	statusBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	statusMeta  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// readyStatus is the subset of /readyz the status command renders.
type readyStatus struct {
	Status             string         `json:"status"`
	UptimeSeconds      int64          `json:"uptime_seconds"`
	Draining           bool           `json:"draining"`
	Providers          []string       `json:"providers"`
	IdempotencyBackend string         `json:"idempotency_backend"`
	Durability         string         `json:"durability"`
	MissingConfig      []string       `json:"missing_config"`
	Queue              dispatch.Stats `json:"queue"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe a running gateway",
	Long:  "Calls /health and /readyz on a running gateway and prints a summary.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
		defer cancel()

		return renderStatus(ctx, cmd.OutOrStdout(), http.DefaultClient, statusURL)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusURL, "url", "http://localhost:5001", "gateway base URL")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "probe timeout")
}

func renderStatus(ctx context.Context, w io.Writer, client *http.Client, baseURL string) error {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")

	healthCode, _, err := probe(ctx, client, baseURL+"/health")
	if err != nil {
		fmt.Fprintln(w, statusLabel.Render("health")+statusBad.Render("unreachable"))
		return fmt.Errorf("gateway unreachable at %s: %w", baseURL, err)
	}

	health := statusOK.Render("healthy")
	if healthCode != http.StatusOK {
		health = statusBad.Render(fmt.Sprintf("HTTP %d", healthCode))
	}
	fmt.Fprintln(w, statusLabel.Render("health")+health)

	readyCode, body, err := probe(ctx, client, baseURL+"/readyz")
	if err != nil {
		return fmt.Errorf("probe readiness: %w", err)
	}

	var ready readyStatus
	if err := json.Unmarshal(body, &ready); err != nil {
		return fmt.Errorf("decode readiness: %w", err)
	}

	readiness := statusOK.Render(ready.Status)
	if readyCode != http.StatusOK {
		readiness = statusBad.Render(ready.Status)
	}
	fmt.Fprintln(w, statusLabel.Render("ready")+readiness)
	fmt.Fprintln(w, statusLabel.Render("uptime")+(time.Duration(ready.UptimeSeconds)*time.Second).String())
	fmt.Fprintln(w, statusLabel.Render("providers")+strings.Join(ready.Providers, ", "))
	fmt.Fprintln(w, statusLabel.Render("dedup")+ready.IdempotencyBackend)
	fmt.Fprintln(w, statusLabel.Render("queue")+fmt.Sprintf("%d/%d", ready.Queue.Depth, ready.Queue.Capacity)+
		statusMeta.Render(fmt.Sprintf("  workers=%d in_flight=%d durability=%s", ready.Queue.Workers, ready.Queue.InFlight, ready.Durability)))
	fmt.Fprintln(w, statusLabel.Render("events")+statusMeta.Render(fmt.Sprintf(
		"enqueued=%d processed=%d failed=%d dropped=%d",
		ready.Queue.Enqueued, ready.Queue.Processed, ready.Queue.Failed, ready.Queue.Dropped,
	)))
	if len(ready.MissingConfig) > 0 {
		fmt.Fprintln(w, statusLabel.Render("missing")+statusBad.Render(strings.Join(ready.MissingConfig, ", ")))
	}

	return nil
}

func probe(ctx context.Context, client *http.Client, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}

	return resp.StatusCode, body, nil
}
