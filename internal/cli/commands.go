package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/edgesync/edgesync/internal/config"
	"github.com/edgesync/edgesync/internal/conflict"
	"github.com/edgesync/edgesync/internal/engine"
	"github.com/edgesync/edgesync/internal/model"
	"github.com/edgesync/edgesync/internal/progress"
	"github.com/edgesync/edgesync/internal/queue"
	"github.com/edgesync/edgesync/internal/ui"
	"github.com/edgesync/edgesync/internal/ui/tui"
)

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run a reconciliation pass against the remote store",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "force",
				Aliases: []string{"f"},
				Usage:   "Bypass the throttle-derived batch limit",
			},
			&cli.StringFlag{
				Name:  "priority",
				Usage: "Restrict the pass to one priority tier (high, medium, low)",
			},
			&cli.StringFlag{
				Name:  "direction",
				Usage: "Sync direction: push, pull, or both",
				Value: "push",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			opts := engine.Options{
				Direction: engine.Direction(cmd.String("direction")),
				Force:     cmd.Bool("force"),
			}
			if !opts.Direction.IsValid() {
				return fmt.Errorf("unknown direction %q", cmd.String("direction"))
			}
			if p := cmd.String("priority"); p != "" {
				priority := model.Priority(p)
				if !priority.IsValid() {
					return fmt.Errorf("unknown priority %q", p)
				}
				opts.Priority = priority
			}

			app, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			pending := app.Queue.Len()
			bar := progress.Simple(int64(max(pending, 1)), "Syncing")

			result, err := app.Engine.Sync(ctx, opts)
			_ = bar.Add(result.ItemsProcessed)
			_ = bar.Finish()

			printSyncResult(result)
			if err != nil {
				return err
			}
			if result.ItemsFailed > 0 {
				return fmt.Errorf("%d item(s) failed to sync", result.ItemsFailed)
			}
			return nil
		},
	}
}

func printSyncResult(result engine.SyncResult) {
	if result.Success {
		fmt.Println(ui.StatusSuccess(fmt.Sprintf("sync completed in %s", result.Duration.Round(time.Millisecond))))
	} else {
		msg := "sync failed"
		if result.Err != nil {
			msg = fmt.Sprintf("sync failed: %v", result.Err)
		}
		fmt.Println(ui.StatusError(msg))
	}

	fmt.Printf("  processed: %d\n", result.ItemsProcessed)
	fmt.Printf("  succeeded: %s\n", ui.Success(result.ItemsSucceeded))
	if result.ItemsFailed > 0 {
		fmt.Printf("  failed:    %s\n", ui.Error(result.ItemsFailed))
	}
	if len(result.Conflicts) > 0 {
		fmt.Printf("  conflicts: %s\n", ui.Warning(len(result.Conflicts)))
		for _, c := range result.Conflicts {
			fmt.Printf("    %s %s\n", ui.SeverityString(c.Severity), c.Summary())
		}
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show engine, pool, queue, and throttle status",
		Action: func(_ context.Context, cmd *cli.Command) error {
			app, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			stats := app.Engine.Stats()
			fmt.Println(ui.Header("Sync"))
			fmt.Printf("  state:           %s\n", app.Engine.Status())
			fmt.Printf("  total runs:      %d (%d ok, %d failed)\n",
				stats.TotalRuns, stats.SuccessfulRuns, stats.FailedRuns)
			fmt.Printf("  items synced:    %d\n", stats.ItemsSynced)
			fmt.Printf("  conflicts fixed: %d\n", stats.ConflictsResolved)
			if !stats.LastRun.IsZero() {
				fmt.Printf("  last run:        %s\n", humanize.Time(stats.LastRun))
			}
			if stats.TotalRuns > 0 {
				fmt.Printf("  avg duration:    %s\n", stats.AverageDuration.Round(time.Millisecond))
			}

			fmt.Println(ui.Header("Queue"))
			fmt.Printf("  pending:      %d\n", app.Queue.Len())
			fmt.Printf("  dead letters: %d\n", len(app.Queue.DeadLetters()))

			poolStats := app.Pool.Stats()
			fmt.Println(ui.Header("Connection pool"))
			fmt.Printf("  total: %d  active: %d  idle: %d  waiting: %d\n",
				poolStats.Total, poolStats.Active, poolStats.Idle, poolStats.Waiting)

			tc := app.Throttle.Config()
			fmt.Println(ui.Header("Throttle"))
			fmt.Printf("  upload:   %s/s\n", humanize.Bytes(uint64(tc.UploadRateLimit)))
			fmt.Printf("  download: %s/s\n", humanize.Bytes(uint64(tc.DownloadRateLimit)))
			fmt.Printf("  reason:   %s\n", ui.Dim(tc.Reason))

			if app.Monitor.Online() {
				fmt.Println(ui.StatusSuccess("network reachable"))
			} else {
				fmt.Println(ui.StatusWarning("network unreachable"))
			}
			return nil
		},
	}
}

func conflictsCommand() *cli.Command {
	return &cli.Command{
		Name:  "conflicts",
		Usage: "Inspect and resolve sync conflicts",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List conflicts, open first",
				Action: func(_ context.Context, cmd *cli.Command) error {
					app, err := newApp(cmd)
					if err != nil {
						return err
					}
					defer app.Close()

					all := app.Engine.Conflicts()
					if len(all) == 0 {
						fmt.Println(ui.StatusSuccess("no conflicts"))
						return nil
					}
					for _, c := range all {
						marker := ui.StatusPending("")
						if c.Resolved {
							marker = ui.StatusSuccess("")
						} else if c.Escalated {
							marker = ui.StatusWarning("")
						}
						fmt.Printf("%s %s  %s  %s\n",
							marker, ui.Bold(c.ID), ui.SeverityString(c.Severity), c.Summary())
					}
					return nil
				},
			},
			{
				Name:      "show",
				Usage:     "Show one conflict in detail",
				ArgsUsage: "<conflict-id>",
				Action: func(_ context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return errors.New("show requires exactly one conflict id")
					}
					app, err := newApp(cmd)
					if err != nil {
						return err
					}
					defer app.Close()

					c, ok := app.Resolver.Get(cmd.Args().Get(0))
					if !ok {
						return fmt.Errorf("unknown conflict %s", cmd.Args().Get(0))
					}
					printConflict(c)
					return nil
				},
			},
			{
				Name:      "resolve",
				Usage:     "Resolve a conflict with a named strategy",
				ArgsUsage: "<conflict-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "strategy",
						Usage: "Resolution strategy: last-write-wins or merge",
						Value: string(conflict.LastWriteWins),
					},
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return errors.New("resolve requires exactly one conflict id")
					}
					strat := conflict.ResolutionStrategy(cmd.String("strategy"))
					if !strat.IsValid() || strat == conflict.Manual {
						return fmt.Errorf("unknown strategy %q", cmd.String("strategy"))
					}

					app, err := newApp(cmd)
					if err != nil {
						return err
					}
					defer app.Close()

					id := cmd.Args().Get(0)
					if !app.Engine.ResolveConflict(id, strat) {
						return fmt.Errorf("conflict %s cannot be auto-resolved (unknown, resolved, or escalated)", id)
					}
					fmt.Println(ui.StatusSuccess(fmt.Sprintf("resolved %s with %s", id, strat)))
					return nil
				},
			},
			{
				Name:  "review",
				Usage: "Review open conflicts interactively",
				Action: func(_ context.Context, cmd *cli.Command) error {
					app, err := newApp(cmd)
					if err != nil {
						return err
					}
					defer app.Close()

					open := app.Engine.OpenConflicts()
					if len(open) == 0 {
						fmt.Println(ui.StatusSuccess("no open conflicts"))
						return nil
					}

					result, err := tui.RunReview(open)
					if err != nil {
						return err
					}
					if result.Action != tui.ReviewActionApply {
						fmt.Println(ui.StatusPending("no decisions applied"))
						return nil
					}

					applied := 0
					for _, d := range result.Decisions {
						if applyDecision(app, d) {
							applied++
						} else {
							fmt.Println(ui.StatusError(fmt.Sprintf("could not apply decision for %s", d.ConflictID)))
						}
					}
					fmt.Println(ui.StatusSuccess(fmt.Sprintf("applied %d decision(s)", applied)))
					return nil
				},
			},
			{
				Name:  "clear",
				Usage: "Drop all conflict records and history",
				Action: func(_ context.Context, cmd *cli.Command) error {
					app, err := newApp(cmd)
					if err != nil {
						return err
					}
					defer app.Close()

					app.Engine.ClearConflicts()
					fmt.Println(ui.StatusSuccess("conflicts cleared"))
					return nil
				},
			},
		},
	}
}

// applyDecision translates a review choice into a resolver call. Keeping one
// side is a manual resolution with that side's diverged fields; merge runs
// the automatic merge strategy.
func applyDecision(app *App, d tui.Decision) bool {
	c, ok := app.Resolver.Get(d.ConflictID)
	if !ok {
		return false
	}

	switch d.Choice {
	case tui.ChoiceMerge:
		return app.Engine.ResolveConflict(d.ConflictID, conflict.Merge)
	case tui.ChoiceLocal, tui.ChoiceRemote:
		fields := make(map[string]json.RawMessage, len(c.FieldDiffs))
		for _, diff := range c.FieldDiffs {
			if d.Choice == tui.ChoiceLocal {
				fields[diff.Field] = diff.Local
			} else {
				fields[diff.Field] = diff.Remote
			}
		}
		return app.Engine.ResolveConflictManually(conflict.ManualResolution{
			ConflictID: d.ConflictID,
			Fields:     fields,
			ResolvedBy: "review",
		})
	default:
		return false
	}
}

func printConflict(c *conflict.Conflict) {
	fmt.Printf("%s %s\n", ui.Bold(c.ID), c.Summary())
	fmt.Printf("  detected: %s\n", c.DetectedAt.Format(time.RFC3339))
	if c.Escalated {
		fmt.Println(ui.StatusWarning("escalated for manual review"))
	}
	if c.Resolved && c.Resolution != nil {
		fmt.Printf("  resolved: %s via %s\n", c.ResolvedAt.Format(time.RFC3339), c.Resolution.Strategy)
		if c.Resolution.ResolvedBy != "" {
			fmt.Printf("  by:       %s\n", c.Resolution.ResolvedBy)
		}
	}
	fmt.Println("  fields:")
	for _, d := range c.FieldDiffs {
		fmt.Printf("    %s\n", ui.Bold(d.Field))
		fmt.Printf("      local:  %s (%s)\n", string(d.Local), humanize.Time(d.LocalUpdatedAt))
		fmt.Printf("      remote: %s (%s)\n", string(d.Remote), humanize.Time(d.RemoteUpdatedAt))
	}
}

func queueCommand() *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "Inspect the pending-change queue",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List pending items in dispatch order",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "priority",
						Usage: "Restrict to one priority tier",
					},
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					app, err := newApp(cmd)
					if err != nil {
						return err
					}
					defer app.Close()

					filter := queue.Filter{}
					if p := cmd.String("priority"); p != "" {
						filter.Priority = model.Priority(p)
					}

					items := app.Queue.Items(filter)
					if len(items) == 0 {
						fmt.Println(ui.StatusSuccess("queue is empty"))
						return nil
					}
					for _, item := range items {
						fmt.Printf("%s  %s  %s/%s  %s  attempts=%d\n",
							ui.Dim(item.ID),
							ui.PriorityString(item.Priority),
							item.Change.EntityType, item.Change.EntityID,
							humanize.Time(item.EnqueuedAt),
							item.Attempts)
					}
					return nil
				},
			},
			{
				Name:  "dead-letters",
				Usage: "List items that exhausted their retries",
				Action: func(_ context.Context, cmd *cli.Command) error {
					app, err := newApp(cmd)
					if err != nil {
						return err
					}
					defer app.Close()

					dead := app.Queue.DeadLetters()
					if len(dead) == 0 {
						fmt.Println(ui.StatusSuccess("no dead letters"))
						return nil
					}
					for _, item := range dead {
						fmt.Printf("%s  %s/%s  attempts=%d\n",
							ui.Dim(item.ID),
							item.Change.EntityType, item.Change.EntityID,
							item.Attempts)
					}
					return nil
				},
			},
			{
				Name:      "retry",
				Usage:     "Move a dead-lettered item back to the pending queue",
				ArgsUsage: "<item-id>",
				Action: func(_ context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return errors.New("retry requires exactly one item id")
					}
					app, err := newApp(cmd)
					if err != nil {
						return err
					}
					defer app.Close()

					id := cmd.Args().Get(0)
					if err := app.Queue.Requeue(id); err != nil {
						return err
					}
					fmt.Println(ui.StatusSuccess(fmt.Sprintf("requeued %s", id)))
					return nil
				},
			},
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a default configuration file",
				Action: func(_ context.Context, _ *cli.Command) error {
					if config.Exists() {
						return fmt.Errorf("configuration already exists at %s", config.FilePath())
					}
					if err := config.Default().Save(); err != nil {
						return err
					}
					fmt.Println(ui.StatusSuccess(fmt.Sprintf("wrote %s", config.FilePath())))
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "Print the effective configuration",
				Action: func(_ context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd)
					if err != nil {
						return err
					}

					fmt.Println(ui.Header("Remote"))
					fmt.Printf("  base url: %s\n", cfg.Remote.BaseURL)
					fmt.Printf("  timeout:  %s\n", cfg.Remote.Timeout)

					fmt.Println(ui.Header("Pool"))
					fmt.Printf("  conns: %d-%d, acquire timeout %s\n",
						cfg.Pool.MinConns, cfg.Pool.MaxConns, cfg.Pool.AcquireTimeout)

					fmt.Println(ui.Header("Throttle"))
					fmt.Printf("  up %s/s, down %s/s, adaptive=%t\n",
						humanize.Bytes(uint64(cfg.Throttle.UploadCeiling)),
						humanize.Bytes(uint64(cfg.Throttle.DownloadCeiling)),
						cfg.Throttle.Adaptive)

					fmt.Println(ui.Header("Strategies"))
					for _, entityType := range model.AllEntityTypes() {
						if name, ok := cfg.Strategies[string(entityType)]; ok {
							fmt.Printf("  %-11s %s\n", entityType, name)
						}
					}
					return nil
				},
			},
		},
	}
}
