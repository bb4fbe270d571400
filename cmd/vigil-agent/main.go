// vigil-agent is the optional push-mode companion. It POSTs a heartbeat to
// the Vigil server every interval so hosts behind NAT or firewalls stay
// visible without inbound SSH.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/spf13/cobra"

	"github.com/vigilops/vigil/internal/logging"
)

var Version = "dev"

// maxConsecutiveFailures bounds how long the agent keeps retrying before it
// exits and lets the service manager restart it.
const maxConsecutiveFailures = 10

var (
	serverURL string
	hostID    int64
	interval  time.Duration
)

var rootCmd = &cobra.Command{
	Use:     "vigil-agent",
	Short:   "Push heartbeats to a Vigil server",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serverURL == "" || hostID <= 0 {
			return fmt.Errorf("--server and --host-id are required")
		}
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", os.Getenv("VIGIL_SERVER_URL"), "Vigil server base URL")
	rootCmd.Flags().Int64Var(&hostID, "host-id", 0, "host ID assigned by the server")
	rootCmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "heartbeat interval")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "vigil-agent"})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("%s/api/heartbeat/%d", serverURL, hostID)
	log.Info().Str("url", url).Dur("interval", interval).Msg("Agent started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		if err := sendHeartbeat(ctx, client, url); err != nil {
			failures++
			log.Warn().Err(err).Int("consecutive", failures).Msg("Heartbeat failed")
			if failures >= maxConsecutiveFailures {
				return fmt.Errorf("giving up after %d consecutive failures", failures)
			}
		} else {
			failures = 0
			logLocalLoad()
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Agent stopping")
			return nil
		case <-ticker.C:
		}
	}
}

func sendHeartbeat(ctx context.Context, client *http.Client, url string) error {
	body, _ := json.Marshal(map[string]string{"agent_version": Version})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

// logLocalLoad gives the journal a local view to correlate against the
// server's SSH-collected samples.
func logLocalLoad() {
	cpuPct, err := cpu.Percent(0, false)
	if err != nil || len(cpuPct) == 0 {
		return
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	log.Debug().
		Float64("cpu_percent", cpuPct[0]).
		Float64("memory_percent", vm.UsedPercent).
		Msg("Local snapshot")
}
