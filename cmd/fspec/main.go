package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/sengac/fspec-sub012/internal/app"
	"github.com/sengac/fspec-sub012/internal/checkpoint"
	"github.com/sengac/fspec-sub012/internal/config"
	"github.com/sengac/fspec-sub012/internal/domain"
	"github.com/sengac/fspec-sub012/internal/engine"
	"github.com/sengac/fspec-sub012/internal/hooks"
	"github.com/sengac/fspec-sub012/internal/logging"
	fspecmcp "github.com/sengac/fspec-sub012/internal/mcp"
	"github.com/sengac/fspec-sub012/internal/repo"
	"github.com/sengac/fspec-sub012/internal/server"
	"github.com/sengac/fspec-sub012/internal/tui"
)

var rootCmd = &cobra.Command{
	Use:   "fspec",
	Short: "fspec work unit lifecycle",
	Long: `fspec moves work units through backlog -> specifying -> testing -> implementing -> validating -> done.
Core concepts:
- Work units: stories, bugs and tasks stored in spec/work-units.json with an append-only state history.
- Temporal ordering: feature files and tests must be written after the unit entered the state that produces them.
- Hooks: commands bound to pre-<status> and post-<status> events, from spec/fspec-hooks.json or attached to one unit as virtual hooks.
- Checkpoints: snapshots of the working tree stored as git refs; taken automatically before each transition or by hand.
- Event log: journal of every transition attempt, hook failure and checkpoint, view with 'fspec log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		closeLog = logging.Init(logging.Config{
			Level: viper.GetString("log-level"),
			JSON:  viper.GetBool("log-json"),
		})
		invocation = logging.NewInvocationID()
		return nil
	},
}

var (
	invocation string
	closeLog   = func() {}
)

// exitError ends the process with code after the command already reported the failure.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	closeLog()
	if err != nil {
		var ee exitError
		if !errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FSPEC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "project root")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor recorded in the event log")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "write logs as JSON")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-json"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(createWorkUnitCmd())
	rootCmd.AddCommand(showWorkUnitCmd())
	rootCmd.AddCommand(listWorkUnitsCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(listCheckpointsCmd())
	rootCmd.AddCommand(restoreCheckpointCmd())
	rootCmd.AddCommand(checkpointCountsCmd())
	rootCmd.AddCommand(addVirtualHookCmd())
	rootCmd.AddCommand(removeVirtualHookCmd())
	rootCmd.AddCommand(clearVirtualHooksCmd())
	rootCmd.AddCommand(listVirtualHooksCmd())
	rootCmd.AddCommand(listHooksCmd())
	rootCmd.AddCommand(validateHooksCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
}

// --- work units ---

func createWorkUnitCmd() *cobra.Command {
	var unitType, epic, description string
	var estimate int
	var tags []string
	cmd := &cobra.Command{
		Use:   "create-work-unit <prefix> <title>",
		Short: "Create a work unit in backlog",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				opts := engine.CreateOptions{
					Prefix:      args[0],
					Title:       args[1],
					Type:        domain.WorkUnitType(unitType),
					Description: description,
					Epic:        epic,
					Tags:        tags,
				}
				if cmd.Flags().Changed("estimate") {
					opts.Estimate = &estimate
				}
				w, err := ws.Engine.CreateWorkUnit(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("Created %s: %s\n", w.ID, w.Title)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&unitType, "type", "story", "story, bug or task")
	cmd.Flags().StringVar(&epic, "epic", "", "epic name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().IntVar(&estimate, "estimate", 0, "story points")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	return cmd
}

func showWorkUnitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-work-unit <id>",
		Short: "Show a work unit and its state history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				w, err := ws.Engine.GetWorkUnit(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("%s [%s] %s\n", w.ID, w.Status, w.Title)
				if w.Epic != "" {
					fmt.Printf("Epic: %s\n", w.Epic)
				}
				if len(w.Tags) > 0 {
					fmt.Printf("Tags: %s\n", strings.Join(w.Tags, ", "))
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"State", "Entered", "Reason", "Bypassed"})
				for _, h := range w.StateHistory {
					bypass := ""
					if h.SkippedTemporalValidation {
						bypass = "temporal"
					}
					tw.AppendRow(table.Row{h.State, h.Timestamp.Local().Format(time.RFC3339), h.Reason, bypass})
				}
				tw.Render()
				counts, err := ws.Journal.CountEventsByType(ctx, w.ID)
				if err != nil {
					return err
				}
				if len(counts) > 0 {
					types := make([]string, 0, len(counts))
					for t := range counts {
						types = append(types, t)
					}
					sort.Strings(types)
					parts := make([]string, 0, len(types))
					for _, t := range types {
						parts = append(parts, fmt.Sprintf("%s=%d", t, counts[t]))
					}
					fmt.Printf("Journal: %s\n", strings.Join(parts, " "))
				}
				return nil
			})
		},
	}
}

func listWorkUnitsCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list-work-units",
		Short: "List work units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				units, err := ws.Engine.ListWorkUnits(domain.Status(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(units)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Title", "Epic", "Hooks"})
				for _, w := range units {
					tw.AppendRow(table.Row{w.ID, w.Type, w.Status, w.Title, w.Epic, len(w.VirtualHooks)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only units in this status")
	return cmd
}

// --- transitions ---

func transitionCmd() *cobra.Command {
	var flags engine.TransitionFlags
	cmd := &cobra.Command{
		Use:   "transition <id> <status>",
		Short: "Move a work unit to another status",
		Long: `Validates the move, checks temporal ordering, runs pre hooks, takes an automatic checkpoint,
records the new status and runs post hooks. Exits 1 on any failure, including a blocking post hook
failure, which does not undo the status change.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Engine.Transition(ctx, args[0], domain.Status(args[1]), flags)
				if viper.GetBool("json") {
					if perr := printJSON(res); perr != nil {
						return perr
					}
					if err != nil || res.PostHookFailure != nil {
						return exitError{code: 1}
					}
					return nil
				}
				printTransition(res, err)
				if err != nil || res.PostHookFailure != nil {
					return exitError{code: 1}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&flags.SkipTemporalValidation, "skip-temporal-validation", false, "bypass the temporal ordering check (recorded in history)")
	cmd.Flags().BoolVar(&flags.Revert, "revert", false, "move backward in the workflow")
	cmd.Flags().StringVar(&flags.Reason, "reason", "", "reason recorded in the state history")
	return cmd
}

func printTransition(res engine.TransitionResult, err error) {
	for _, f := range res.NonBlockingFailures {
		fmt.Fprintf(os.Stderr, "warning: non-blocking hook %s (%s) failed with exit code %d\n", f.Name, f.Event, f.ExitCode)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if res.Reminder != "" {
			fmt.Println(res.Reminder)
		}
		return
	}
	fmt.Printf("✓ %s: %s -> %s\n", res.WorkUnitID, res.PreviousStatus, res.NewStatus)
	if res.SkippedTemporalValidation {
		fmt.Println("  temporal validation skipped")
	}
	if res.Checkpoint != nil {
		fmt.Printf("  checkpoint %s created\n", res.Checkpoint.Name)
	}
	if res.Reminder != "" {
		fmt.Println(res.Reminder)
	}
}

// --- checkpoints ---

func checkpointCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "checkpoint <id> <name>",
		Short: "Snapshot the working tree for a work unit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				rec, err := ws.Engine.CreateCheckpoint(ctx, args[0], args[1], message)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("✓ Created checkpoint %q for %s\n", rec.Name, args[0])
				fmt.Printf("  restore with: fspec restore-checkpoint %s %s\n", args[0], rec.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "checkpoint message")
	return cmd
}

type checkpointRow struct {
	domain.CheckpointRecord
	Drift string `json:"drift,omitempty"`
}

func listCheckpointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-checkpoints <id>",
		Short: "List checkpoints of a work unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				id := args[0]
				if _, err := ws.Engine.GetWorkUnit(id); err != nil {
					return err
				}
				var rows []checkpointRow
				if ws.Checkpoints != nil {
					cps, err := ws.Engine.ListCheckpoints(id)
					if err != nil {
						return err
					}
					drift := map[string]string{}
					if ds, err := ws.Checkpoints.Verify(id); err == nil {
						for _, d := range ds {
							drift[d.Name] = d.Problem
						}
					}
					for _, c := range cps {
						rows = append(rows, checkpointRow{CheckpointRecord: c, Drift: drift[c.Name]})
					}
				}
				if viper.GetBool("json") {
					if rows == nil {
						rows = []checkpointRow{}
					}
					return printJSON(rows)
				}
				if len(rows) == 0 {
					fmt.Println("No checkpoints found")
					return nil
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Name", "Kind", "Created", "Message", ""})
				for _, r := range rows {
					marker := ""
					if r.Drift != "" {
						marker = "⚠ " + r.Drift
					}
					tw.AppendRow(table.Row{r.Name, r.Kind, r.CreatedAt.Local().Format(time.RFC3339), r.Message, marker})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func restoreCheckpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore-checkpoint <id> <name>",
		Short: "Write a checkpoint's files back into the working tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Engine.RestoreCheckpoint(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("✓ Restored %d file(s) from checkpoint %q\n", len(res.Files), res.Checkpoint.Name)
				return nil
			})
		},
	}
}

func checkpointCountsCmd() *cobra.Command {
	var watch, plain bool
	cmd := &cobra.Command{
		Use:   "checkpoint-counts",
		Short: "Show manual and automatic checkpoint totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				counter, err := ws.CheckpointCounter()
				if err != nil {
					return err
				}
				if !watch {
					c, err := counter.CountAll()
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(c)
					}
					fmt.Println(checkpoint.FormatCounts(c))
					return nil
				}
				if viper.GetBool("json") {
					enc := json.NewEncoder(os.Stdout)
					err := counter.Watch(ctx, func(c domain.CheckpointCounts) { _ = enc.Encode(c) })
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				if plain || !term.IsTerminal(int(os.Stdout.Fd())) {
					return tui.RunPlain(ctx, counter.Watch, os.Stdout)
				}
				title := "Checkpoints"
				if ws.Config.Project.Name != "" {
					title += " · " + ws.Config.Project.Name
				}
				return tui.RunCounts(ctx, title, counter.Watch, os.Stdin, os.Stdout)
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and update on every index change")
	cmd.Flags().BoolVar(&plain, "plain", false, "with --watch, print one line per change instead of the interactive view (default when stdout is not a terminal)")
	return cmd
}

// --- hooks ---

func addVirtualHookCmd() *cobra.Command {
	var b domain.HookBinding
	var tags []string
	cmd := &cobra.Command{
		Use:   "add-virtual-hook <id> <event> <command>",
		Short: "Attach a hook to one work unit",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				b.Event, b.Command = args[1], args[2]
				if len(tags) > 0 {
					b.Condition = &domain.HookCondition{Tags: tags}
				}
				added, err := ws.Engine.AddVirtualHook(ctx, args[0], b)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(added)
				}
				kind := "non-blocking"
				if added.Blocking {
					kind = "blocking"
				}
				fmt.Printf("✓ Added %s virtual hook %q to %s on %s\n", kind, added.Name, args[0], added.Event)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&b.Name, "name", "", "hook name (default <event>-N)")
	cmd.Flags().BoolVar(&b.Blocking, "blocking", false, "stop the transition when the hook fails")
	cmd.Flags().IntVar(&b.TimeoutSeconds, "timeout", 0, "timeout in seconds (default from config)")
	cmd.Flags().StringSliceVar(&tags, "when-tag", nil, "only run while the unit carries this tag")
	return cmd
}

func removeVirtualHookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-virtual-hook <id> <name>",
		Short: "Remove a virtual hook",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if err := ws.Engine.RemoveVirtualHook(ctx, args[0], args[1]); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"workUnitId": args[0], "removed": args[1]})
				}
				fmt.Printf("✓ Removed virtual hook %q from %s\n", args[1], args[0])
				return nil
			})
		},
	}
}

func clearVirtualHooksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-virtual-hooks <id>",
		Short: "Remove every virtual hook of a work unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				n, err := ws.Engine.ClearVirtualHooks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"workUnitId": args[0], "removed": n})
				}
				fmt.Printf("✓ Cleared %d virtual hook(s) from %s\n", n, args[0])
				return nil
			})
		},
	}
}

func listVirtualHooksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-virtual-hooks <id>",
		Short: "List virtual hooks of a work unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				hs, err := ws.Engine.ListVirtualHooks(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if hs == nil {
						hs = []domain.HookBinding{}
					}
					return printJSON(hs)
				}
				if len(hs) == 0 {
					fmt.Printf("%s has no virtual hooks\n", args[0])
					return nil
				}
				printBindings(hs)
				return nil
			})
		},
	}
}

func listHooksCmd() *cobra.Command {
	var event string
	cmd := &cobra.Command{
		Use:   "list-hooks",
		Short: "List project hooks from the hook configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				f, err := hooks.LoadFile(ws.Hooks.ConfigPath)
				if err != nil {
					return err
				}
				var bs []domain.HookBinding
				for _, b := range f.Bindings() {
					if event == "" || b.Event == event {
						bs = append(bs, b)
					}
				}
				if viper.GetBool("json") {
					if bs == nil {
						bs = []domain.HookBinding{}
					}
					return printJSON(bs)
				}
				if len(bs) == 0 {
					fmt.Printf("No hooks configured in %s\n", ws.Hooks.ConfigPath)
					return nil
				}
				printBindings(bs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&event, "event", "", "only hooks for this event")
	return cmd
}

func validateHooksCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "validate-hooks",
		Short: "Check that hook definitions are well formed and their commands resolve",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				f, err := hooks.LoadFile(ws.Hooks.ConfigPath)
				if err != nil {
					return err
				}
				bindings := f.Bindings()
				if id != "" {
					vh, err := ws.Engine.ListVirtualHooks(id)
					if err != nil {
						return err
					}
					bindings = append(bindings, vh...)
				}
				issues := hooks.Validate(ws.Root, bindings, exec.LookPath)
				if viper.GetBool("json") {
					if issues == nil {
						issues = []hooks.Issue{}
					}
					if err := printJSON(map[string]any{"ok": len(issues) == 0, "checked": len(bindings), "issues": issues}); err != nil {
						return err
					}
				} else if len(issues) == 0 {
					fmt.Printf("✓ %d hook(s) OK\n", len(bindings))
				} else {
					tw := newTable()
					tw.AppendHeader(table.Row{"Event", "Name", "Command", "Problem"})
					for _, is := range issues {
						tw.AppendRow(table.Row{is.Event, is.Name, is.Command, is.Problem})
					}
					tw.Render()
				}
				if len(issues) > 0 {
					return exitError{code: 1}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "work-unit", "", "also validate this unit's virtual hooks")
	return cmd
}

func printBindings(bs []domain.HookBinding) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Name", "Event", "Blocking", "Timeout", "Command"})
	for _, b := range bs {
		timeout := ""
		if b.TimeoutSeconds > 0 {
			timeout = fmt.Sprintf("%ds", b.TimeoutSeconds)
		}
		tw.AppendRow(table.Row{b.Name, b.Event, b.Blocking, timeout, b.Command})
	}
	tw.Render()
}

// --- log, config, serve ---

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				evts, err := ws.Journal.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if evts == nil {
						evts = []domain.Event{}
					}
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Work Unit", "Actor", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.WorkUnitID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.WorkUnitID, "work-unit", "", "work unit filter")
	cmd.Flags().StringVar(&f.Invocation, "invocation", "", "invocation id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create .fspec/fspec.yml",
		Long:  "The config names the work unit store, hook file, features dir and checkpoint index dir, plus hook, checkpoint, server and webhook settings.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configInitCmd() *cobra.Command {
	var name string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(config.Resolve(workspace, config.Dir), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Printf("✓ Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "fspec", "project name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, printToken string
	var actorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if addr == "" {
					addr = ws.Config.Server.Addr
				}
				if basePath == "" {
					basePath = ws.Config.Server.BasePath
				}
				secretEnv := ws.Config.Server.JWTSecretEnv
				if secretEnv == "" {
					secretEnv = "FSPEC_JWT_SECRET"
				}
				authCfg := server.AuthConfig{JWTSecret: os.Getenv(secretEnv), AllowActorHeader: actorHeader, Logger: ws.Logger}
				if authCfg.JWTSecret == "" && !actorHeader {
					return fmt.Errorf("%s is required for bearer auth", secretEnv)
				}
				if printToken != "" {
					tok, err := server.IssueToken(authCfg.JWTSecret, printToken)
					if err != nil {
						return err
					}
					fmt.Printf("Bearer token for %s: %s\n", printToken, tok)
				}
				handler, err := server.New(server.Config{Workspace: ws, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				go server.NewWebhookDispatcher(ws.Journal, ws.Config, ws.Logger).Run(ctx)
				auditor, err := server.NewDriftAuditor(ws.Config, ws.Checkpoints, ws.Engine.Events, ws.Logger)
				if err != nil {
					return err
				}
				if auditor != nil {
					go auditor.Run(ctx)
				}

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving fspec API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&actorHeader, "insecure-actor-header", false, "accept X-Actor-Id without a token (local use only)")
	cmd.Flags().StringVar(&printToken, "print-token", "", "print a bearer token for this actor on startup")
	return cmd
}

// --- helpers ---

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the lifecycle tools to an AI agent over stdio (MCP)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				return fspecmcp.NewServer(ws).Serve(ctx, os.Stdin, os.Stdout)
			})
		},
	}
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), app.Options{
		ActorID:    viper.GetString("actor-id"),
		Invocation: invocation,
	})
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
