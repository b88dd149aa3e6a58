package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sofiatracker/syncengine/internal/config"
	"github.com/sofiatracker/syncengine/internal/model"
	"github.com/sofiatracker/syncengine/internal/setup"
	syncp "github.com/sofiatracker/syncengine/internal/sync"
)

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	defaultCfg, _ := config.DefaultPath()

	root := &cobra.Command{
		Use:           "sofiasync",
		Short:         "Offline-first baby event log with background sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", defaultCfg, "path to config.yaml")
	root.PersistentFlags().BoolVar(&flags.verbose, "verbose", false, "enable debug logging")

	root.AddCommand(
		newInitCmd(flags),
		newUninstallCmd(),
		newDaemonCmd(flags),
		newSyncOnceCmd(flags),
		newAddCmd(flags),
		newEditCmd(flags),
		newDeleteCmd(flags),
		newListCmd(flags),
		newStatusCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "sofiasync", version)
			},
		},
	)
	return root
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
}

// --- init / uninstall ---------------------------------------------------------

func newInitCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactively write the config and optionally install the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			wiz := setup.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout(), newLogger(flags.verbose))
			return wiz.Run(ctx, flags.configPath)
		},
	}
}

func newUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the background service (keeps config and events)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("resolving home directory: %w", err)
			}
			if err := setup.DisableUnit(home); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Service removed.")
			return nil
		},
	}
}

// --- daemon / sync-once -------------------------------------------------------

func newDaemonCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run full passes at startup, on an interval and on remote changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := openApp(ctx, flags, true)
			if err != nil {
				return err
			}
			defer a.Close()

			a.log.Info("daemon starting",
				"remote", a.cfg.RemoteURL,
				"sync_interval", a.cfg.SyncInterval,
				"conflict_policy", a.cfg.Policy(),
			)

			engine := a.newEngine()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return engine.Run(ctx)
			})
			g.Go(func() error {
				// Log aggregate health transitions as they are committed.
				var last model.SyncStatus
				return a.mgr.WatchSyncState(ctx, func(st *model.SyncState) {
					if st == nil || st.Status == last {
						return
					}
					last = st.Status
					a.log.Info("sync state changed",
						"status", st.Status,
						"pending", st.PendingEventsCount,
						"error", st.ErrorMessage,
					)
				})
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("sync daemon: %w", err)
			}
			a.log.Info("shutdown complete")
			return nil
		},
	}
}

func newSyncOnceCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-once",
		Short: "Run a single full pass then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := openApp(ctx, flags, true)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			var last syncp.Result
			for r := range a.repo.SyncAll(ctx) {
				switch r.Kind {
				case syncp.KindProgress:
					fmt.Fprintln(out, "  "+r.Message)
				case syncp.KindInProgress:
					fmt.Fprintln(out, "Syncing…")
				}
				last = r
			}
			if last.Kind != syncp.KindSuccess {
				return fmt.Errorf("sync failed: %s", last.Message)
			}
			fmt.Fprintln(out, color.GreenString("✓ "+last.Message))
			return nil
		},
	}
}

// --- add / edit / delete ------------------------------------------------------

// eventFlags are the user-editable fields of an event.
type eventFlags struct {
	typ    string
	note   string
	at     string
	ml     int
	sleep  string
	diaper string
}

func (f *eventFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.note, "note", "", "free-text note")
	cmd.Flags().StringVar(&f.at, "at", "", "when it happened (RFC 3339, default now)")
	cmd.Flags().IntVar(&f.ml, "ml", 0, "bottle amount in ml (feeding)")
	cmd.Flags().StringVar(&f.sleep, "sleep", "", "sleep kind: sleep or wake_up")
	cmd.Flags().StringVar(&f.diaper, "diaper", "", "diaper kind: wet, dirty or both")
}

// apply copies every flag the user set onto e.
func (f *eventFlags) apply(cmd *cobra.Command, e *model.Event) error {
	changed := cmd.Flags().Changed
	if changed("note") {
		e.Note = f.note
	}
	if changed("at") {
		ts, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		e.Timestamp = ts.UTC()
	}
	if changed("ml") {
		e.BottleAmountML = model.IntPtr(f.ml)
	}
	if changed("sleep") {
		e.SleepType = model.StringPtr(strings.ToUpper(f.sleep))
	}
	if changed("diaper") {
		e.DiaperType = model.StringPtr(strings.ToUpper(f.diaper))
	}
	return nil
}

func newAddCmd(flags *globalFlags) *cobra.Command {
	ef := &eventFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Log a new event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := model.ParseEventType(ef.typ)
			if err != nil {
				return err
			}
			e := model.NewEvent(t, time.Now(), "")
			if err := ef.apply(cmd, e); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			a, err := openApp(ctx, flags, false)
			if err != nil {
				return err
			}
			defer a.Close()

			saved, err := a.repo.AddEvent(ctx, e)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s event %d (%s)\n", saved.Type, saved.LocalID, statusText(saved.SyncStatus))
			return nil
		},
	}
	cmd.Flags().StringVar(&ef.typ, "type", "", "event type: feeding, sleep or diaper")
	_ = cmd.MarkFlagRequired("type")
	ef.register(cmd)
	return cmd
}

func newEditCmd(flags *globalFlags) *cobra.Command {
	ef := &eventFlags{}
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			a, err := openApp(ctx, flags, false)
			if err != nil {
				return err
			}
			defer a.Close()

			cur, err := a.repo.GetEvent(ctx, id)
			if err != nil {
				return err
			}
			edited := cur.Clone()
			if err := ef.apply(cmd, edited); err != nil {
				return err
			}
			if edited.ContentHash() == cur.ContentHash() {
				fmt.Fprintf(cmd.OutOrStdout(), "Event %d unchanged\n", id)
				return nil
			}

			saved, err := a.repo.UpdateEvent(ctx, edited)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated event %d (%s)\n", saved.LocalID, statusText(saved.SyncStatus))
			return nil
		},
	}
	ef.register(cmd)
	return cmd
}

func newDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an event here and, when reachable, on the remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			a, err := openApp(ctx, flags, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.repo.DeleteEvent(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted event %d\n", id)
			return nil
		},
	}
}

// --- list / status ------------------------------------------------------------

func newListCmd(flags *globalFlags) *cobra.Command {
	var typ string
	var last int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show logged events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			a, err := openApp(ctx, flags, false)
			if err != nil {
				return err
			}
			defer a.Close()

			var events []*model.Event
			switch {
			case typ == "":
				events, err = a.repo.ListEvents(ctx)
			default:
				t, perr := model.ParseEventType(typ)
				if perr != nil {
					return perr
				}
				if last > 0 {
					events, err = a.repo.LastEventsByType(ctx, t, last)
				} else {
					events, err = a.repo.ListEventsByType(ctx, t)
				}
			}
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tWHEN\tDETAIL\tNOTE\tSYNC")
			for _, e := range events {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					e.LocalID, e.Type, e.Timestamp.Local().Format("2006-01-02 15:04"),
					detail(e), e.Note, statusText(e.SyncStatus))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "only events of this type")
	cmd.Flags().IntVar(&last, "last", 0, "with --type, only the N most recent")
	return cmd
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			a, err := openApp(ctx, flags, false)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.repo.SyncState(ctx)
			if err != nil {
				return err
			}
			pending, err := a.repo.PendingCount(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "sofiasync status")
			fmt.Fprintln(out, "────────────────")
			fmt.Fprintf(out, "  Config:    %s\n", flags.configPath)
			if info, err := os.Stat(a.dbPath); err == nil {
				fmt.Fprintf(out, "  Event DB:  %s (%s)\n", a.dbPath, humanSize(info.Size()))
			} else {
				fmt.Fprintf(out, "  Event DB:  %s\n", a.dbPath)
			}
			fmt.Fprintf(out, "  Remote:    %s (%s)\n", a.cfg.RemoteURL, reachability(a.repo.IsNetworkAvailable(ctx)))
			fmt.Fprintf(out, "  Policy:    %s\n", a.cfg.Policy())
			if setup.IsUnitActive() {
				fmt.Fprintf(out, "  Service:   %s\n", color.GreenString("running"))
			} else {
				fmt.Fprintf(out, "  Service:   %s\n", color.YellowString("not running"))
			}
			fmt.Fprintf(out, "  Pending:   %d\n", pending)
			if st == nil {
				fmt.Fprintln(out, "  Sync:      never run")
				return nil
			}
			fmt.Fprintf(out, "  Sync:      %s\n", statusText(st.Status))
			fmt.Fprintf(out, "  Attempted: %s\n", formatWhen(st.LastSyncAttempt))
			fmt.Fprintf(out, "  Succeeded: %s\n", formatWhen(st.LastSuccessfulSync))
			if st.ErrorMessage != "" {
				fmt.Fprintf(out, "  Error:     %s\n", color.RedString(st.ErrorMessage))
			}
			return nil
		},
	}
}

// --- formatting helpers -------------------------------------------------------

func statusText(s model.SyncStatus) string {
	switch s {
	case model.StatusSynced:
		return color.GreenString(string(s))
	case model.StatusPendingSync, model.StatusSyncing:
		return color.YellowString(string(s))
	case model.StatusSyncError:
		return color.RedString(string(s))
	}
	return string(s)
}

func reachability(ok bool) string {
	if ok {
		return color.GreenString("reachable")
	}
	return color.RedString("unreachable")
}

func formatWhen(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func detail(e *model.Event) string {
	switch {
	case e.BottleAmountML != nil:
		return strconv.Itoa(*e.BottleAmountML) + " ml"
	case e.SleepType != nil:
		return *e.SleepType
	case e.DiaperType != nil:
		return *e.DiaperType
	}
	return "-"
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid event id %q", s)
	}
	return id, nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
