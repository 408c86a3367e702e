package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"edgeway/internal/platform/config"
)

type rootOptions struct {
	gateway string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "edgectl",
		Short:         "Inspect and operate an edgeway gateway",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.gateway, "gateway", envOr("EDGEWAY_GATEWAY", "http://127.0.0.1:8080"), "gateway base URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "HTTP timeout")

	client := func() *gatewayClient {
		return newGatewayClient(opts.gateway, opts.timeout)
	}
	root.AddCommand(statusCmd(client))
	root.AddCommand(healthCmd(client))
	root.AddCommand(requestCmd(client))
	root.AddCommand(dlqCmd(client))
	root.AddCommand(submitCmd(client))
	root.AddCommand(configCmd())
	return root
}

func statusCmd(client func() *gatewayClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and memory usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := client().QueueStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("queue status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "queued:        %d\n", status.QueueSize)
			fmt.Fprintf(out, "in flight:     %d\n", status.InFlight)
			fmt.Fprintf(out, "dead lettered: %d\n", status.DeadLettered)
			fmt.Fprintf(out, "oldest:        %.1fs\n", status.OldestPendingAgeSeconds)
			fmt.Fprintf(out, "memory:        %d / %d bytes\n", status.ResourceUsedBytes, status.ResourceBudgetBytes)
			priorities := make([]string, 0, len(status.ByPriority))
			for priority := range status.ByPriority {
				priorities = append(priorities, priority)
			}
			sort.Strings(priorities)
			for _, priority := range priorities {
				fmt.Fprintf(out, "  %-10s %d\n", priority, status.ByPriority[priority])
			}
			return nil
		},
	}
}

func healthCmd(client func() *gatewayClient) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show gateway and backend health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			health, err := client().Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("health: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status: %s\n", health.Status)
			if health.AccountingTripped {
				fmt.Fprintln(out, "memory accounting tripped")
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BACKEND\tKIND\tCIRCUIT\tFAILURES\tLOAD")
			for _, backend := range health.Backends {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d/%d\n",
					backend.Name, backend.Kind, backend.Circuit,
					backend.ConsecutiveFailures, backend.InFlight, backend.Capacity)
			}
			return tw.Flush()
		},
	}
}

func requestCmd(client func() *gatewayClient) *cobra.Command {
	requestCmd := &cobra.Command{
		Use:   "request",
		Short: "Look up tracked requests",
	}
	requestCmd.AddCommand(&cobra.Command{
		Use:   "get [request-id]",
		Short: "Show the state of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().GetRequest(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get request %s: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	})
	return requestCmd
}

func dlqCmd(client func() *gatewayClient) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage dead-lettered requests",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := client().ListDeadLetters(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list dead letters: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(resp.Items) == 0 {
				fmt.Fprintln(out, "No dead-lettered requests.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPRIORITY\tATTEMPTS\tREPLAYED AS\tLAST ERROR")
			for _, item := range resp.Items {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					item.RequestID, item.Priority, item.AttemptCount, item.ReplayedAs, item.LastError)
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 100, "maximum number of dead letters")

	replayCmd := &cobra.Command{
		Use:   "replay [request-id]",
		Short: "Resubmit a dead-lettered request with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().ReplayDeadLetter(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("replay %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "request %s replayed as %s (%s)\n", resp.ReplayOf, resp.RequestID, resp.Status)
			return nil
		},
	}

	dlqCmd.AddCommand(listCmd)
	dlqCmd.AddCommand(replayCmd)
	return dlqCmd
}

func submitCmd(client func() *gatewayClient) *cobra.Command {
	var (
		file           string
		priority       string
		deadline       time.Duration
		idempotencyKey string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a completion body from a file or stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				raw []byte
				err error
			)
			if file == "" || file == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("read completion body: %w", err)
			}
			body, err := withRouting(raw, priority, deadline)
			if err != nil {
				return err
			}
			status, resp, err := client().Submit(cmd.Context(), body, idempotencyKey)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "HTTP %d\n", status)
			_, err = cmd.OutOrStdout().Write(append(resp, '\n'))
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "completion body, - for stdin")
	cmd.Flags().StringVar(&priority, "priority", "", "critical, normal or low")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "relative deadline, e.g. 30s")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency-Key header")
	return cmd
}

func configCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect gateway configuration",
	}
	var path string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration for a config file and environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			for i := range cfg.Backends {
				if cfg.Backends[i].APIKey != "" {
					cfg.Backends[i].APIKey = "redacted"
				}
			}
			if cfg.Queue.PostgresDSN != "" {
				cfg.Queue.PostgresDSN = "redacted"
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	}
	showCmd.Flags().StringVar(&path, "config", "", "path to a YAML config file")
	configCmd.AddCommand(showCmd)
	return configCmd
}

// withRouting merges CLI routing flags into a completion body.
func withRouting(raw []byte, priority string, deadline time.Duration) ([]byte, error) {
	if strings.TrimSpace(priority) == "" && deadline <= 0 {
		return raw, nil
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return nil, fmt.Errorf("completion body must be a JSON object")
	}
	if strings.TrimSpace(priority) != "" {
		encoded, _ := json.Marshal(strings.TrimSpace(priority))
		body["priority"] = encoded
	}
	if deadline > 0 {
		encoded, _ := json.Marshal(deadline.Milliseconds())
		body["deadline_ms"] = encoded
	}
	return json.Marshal(body)
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func envOr(name string, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}
