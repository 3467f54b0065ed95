package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"fanout/internal/config"
	"fanout/internal/daemon"
)

func newStatusCommand(configFlag *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := config.Load(*configFlag)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			status, err := fetchStatus(cfg.Paths.APIBind)
			if err != nil {
				return fmt.Errorf("query daemon at %s: %w (is fanoutd running?)", cfg.Paths.APIBind, err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput || !terminalOutput(out) {
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")
				return encoder.Encode(status)
			}
			renderStatus(out, status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit machine-readable JSON")
	return cmd
}

func fetchStatus(bind string) (*daemon.Status, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + bind + "/api/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var status daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &status, nil
}

func renderStatus(out io.Writer, status *daemon.Status) {
	running := "stopped"
	if status.Running {
		running = "running"
	}
	fmt.Fprintf(out, "Daemon:    %s (pid %d)\n", running, status.PID)
	if !status.StartedAt.IsZero() {
		fmt.Fprintf(out, "Uptime:    %s\n", time.Since(status.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(out, "Source:    %s\n", status.SourceDir)
	fmt.Fprintf(out, "Queue:     %d waiting, %d in flight, %d scheduled retries\n",
		status.Pipeline.QueueDepth, status.Pipeline.InFlight, status.Pipeline.ScheduledRetries)
	fmt.Fprintln(out)

	rows := make([][]string, 0, len(status.Destinations))
	for _, dest := range status.Destinations {
		rows = append(rows, []string{
			dest.ID,
			dest.RootPath,
			dest.Circuit,
			strconv.Itoa(dest.ConsecutiveFailures),
			fmt.Sprintf("%.1f%%", dest.FailureRate*100),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Destination", "Root", "Circuit", "Consecutive Failures", "Failure Rate"},
		rows,
	))
}

func terminalOutput(out io.Writer) bool {
	file, ok := out.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
