// ============================================================================
// evorun CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   evorun                         # Root command
//   ├── run                        # Run a computation
//   │   ├── --config, -c          # Specify config file
//   │   └── --interactive, -i     # Read commands from stdin
//   ├── inspect [state.json]       # Print checkpoints of a saved state
//   │   ├── --journal             # Validate a journal and count its events
//   │   └── --events              # Also list every journal event
//   ├── ctl <command...>           # Send commands to a running instance
//   │   └── --addr                # gRPC address
//   ├── status                     # Show remote status
//   │   └── --addr                # gRPC address
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// Configuration Management:
//   Uses YAML format config file (default: configs/evorun.yaml)
//   Configuration items include:
//   - control: speed limit and progress output
//   - batches: runs, population and stopping criteria per batch
//   - workers: fitness evaluation pool
//   - state: persisted state file and journal
//   - metrics / grpc: optional servers
//
// run Command:
//   1. Load config file
//   2. Resume from the state file, or build the computation from batches
//   3. Start Controller, Metrics HTTP server and gRPC server (if enabled)
//   4. Non-interactive: run to the end; interactive: one command per line
//   5. Save state (if save_on_exit) and shut down
//
//   Examples:
//     ./evorun run
//     ./evorun run -c custom-config.yaml -i
//
// ctl Command:
//   Each argument is one command, same syntax as interactive mode
//
//   Examples:
//     ./evorun ctl suspend "seek 1/2/3" start
//     ./evorun ctl --addr remote:50051 "speed 20"
//
// Signal Handling:
//   run command captures SIGINT / SIGTERM and follows the normal
//   shutdown flow (state is still saved).
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/evorun/internal/controller"
	"github.com/ChuLiYu/evorun/internal/server"
	"github.com/ChuLiYu/evorun/internal/snapshot"
	"github.com/ChuLiYu/evorun/internal/storage/wal"
	"github.com/spf13/cobra"
)

const (
	defaultAddr   = "localhost:50051"
	remoteTimeout = 10 * time.Second
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "evorun",
		Short: "evorun: run control for generational computations",
		Long: `evorun drives batches of evolutionary runs with:
- Start / suspend / seek navigation
- Checkpoint replay
- Speed limiting
- Persisted state and lifecycle journal
- Prometheus metrics and gRPC remote control`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/evorun.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildInspectCommand())
	rootCmd.AddCommand(buildCtlCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var interactive bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a computation",
		Long:  "Run the configured computation to the end, or control it interactively from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := setupLogging(cfg.Log.Level, cmd.ErrOrStderr()); err != nil {
				return err
			}

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runSystem(ctx, cfg, runOptions{
				Interactive: interactive,
				In:          cmd.InOrStdin(),
				Out:         cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "read commands from stdin")
	return cmd
}

func buildInspectCommand() *cobra.Command {
	var (
		journal string
		events  bool
	)

	cmd := &cobra.Command{
		Use:   "inspect [state.json]",
		Short: "Print the checkpoints of a saved state",
		Long:  "Print the checkpoints of a saved state file and/or validate a lifecycle journal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && journal == "" {
				return fmt.Errorf("nothing to inspect: pass a state file or --journal")
			}
			w := cmd.OutOrStdout()
			if len(args) == 1 {
				if err := inspectState(w, args[0]); err != nil {
					return err
				}
			}
			if journal != "" {
				if len(args) == 1 {
					fmt.Fprintln(w)
				}
				return inspectJournal(w, journal, events)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&journal, "journal", "", "lifecycle journal to validate")
	cmd.Flags().BoolVar(&events, "events", false, "list every journal event")
	return cmd
}

func inspectState(w io.Writer, path string) error {
	f, err := snapshot.NewManager(path).Load()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Computation:  %s\n", f.ComputationID)
	fmt.Fprintf(w, "Saved at:     %s\n", f.SavedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Current:      %s\n", f.Active.Current)
	fmt.Fprintf(w, "Next:         %s\n", f.Active.Next)
	fmt.Fprintf(w, "Checkpoints:  %d\n\n", len(f.Checkpoints))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tINDEX\tNEXT\tEDIT\tSTOP")
	for i, cp := range f.Checkpoints {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%t\n", i, cp.Index, cp.State.Next, cp.Edit, cp.State.StopRequested)
	}
	return tw.Flush()
}

// inspectJournal 驗證完整性後依類型統計；events 為 true 時列出每個事件
func inspectJournal(w io.Writer, path string, events bool) error {
	if err := wal.ValidateJournal(path); err != nil {
		return fmt.Errorf("journal %s: %w", path, err)
	}
	total, err := wal.CountEvents(path)
	if err != nil {
		return err
	}
	counts, err := wal.CountByType(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Journal:      %s\n", path)
	fmt.Fprintf(w, "Events:       %d (valid)\n\n", total)

	kinds := make([]string, 0, len(counts))
	for t := range counts {
		kinds = append(kinds, string(t))
	}
	sort.Strings(kinds)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tCOUNT")
	for _, k := range kinds {
		fmt.Fprintf(tw, "%s\t%d\n", k, counts[wal.EventType(k)])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if !events {
		return nil
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tTYPE\tINDEX\tDETAIL")
	err = wal.Replay(path, func(e wal.Event) error {
		ts := time.UnixMilli(e.Timestamp).Format(time.RFC3339)
		_, err := fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.Seq, ts, e.Type, e.Index, e.Detail)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Flush()
}

func buildCtlCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "ctl <command...>",
		Short: "Send commands to a running instance",
		Long:  "Send one or more commands over gRPC; they are applied in order as one request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// 在本地先檢查語法，避免半套指令送出
			for _, a := range args {
				if _, err := controller.ParseAction(a); err != nil {
					return err
				}
			}
			return withClient(cmd.Context(), addr, func(ctx context.Context, c *server.Client) error {
				if err := c.Send(ctx, args...); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %d command(s) to %s\n", len(args), addr)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "gRPC address of the running instance")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), addr, func(ctx context.Context, c *server.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), addr, st)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "gRPC address of the running instance")
	return cmd
}

func withClient(ctx context.Context, addr string, fn func(context.Context, *server.Client) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := server.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()
	return fn(ctx, server.NewClient(conn))
}

func printStatus(w io.Writer, addr string, st map[string]any) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           evorun Status                                   ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(w, "  Address: %s\n\n", addr)

	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(tw, "  %s\t%v\n", k, st[k])
	}
	tw.Flush()
}

// Execute 建立並執行 CLI；供 main 使用
func Execute() {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}
