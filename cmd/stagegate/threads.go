package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stagegate/internal/diagram"
	"github.com/rendis/stagegate/internal/expressions"
	"github.com/rendis/stagegate/internal/pipeline"
	"github.com/rendis/stagegate/internal/scheduler"
	"github.com/rendis/stagegate/internal/store"
	"github.com/rendis/stagegate/pkg/schema"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func startCmd(opts *rootOptions) *cobra.Command {
	var (
		threadID string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "start <idea>",
		Short: "Start a thread and run its first stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return opts.withApp(ctx, func(ctx context.Context, a *app) error {
				out, err := a.engine.Start(ctx, threadID, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), out)
				}
				renderOutcome(cmd.OutOrStdout(), out, false)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "thread ID (default: generated)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the outcome as JSON")
	return cmd
}

func resumeCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "resume <thread-id> <feedback>",
		Short: "Answer a thread's pending review",
		Long: `Answer a thread's pending review. "approve" moves to the next stage;
anything else re-runs the current stage with the feedback.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			feedback := strings.Join(args[1:], " ")
			return opts.withApp(ctx, func(ctx context.Context, a *app) error {
				out, err := a.engine.Resume(ctx, args[0], feedback)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), out)
				}
				renderOutcome(cmd.OutOrStdout(), out, false)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the outcome as JSON")
	return cmd
}

func statusCmd(opts *rootOptions) *cobra.Command {
	var (
		query  string
		events bool
	)
	cmd := &cobra.Command{
		Use:   "status <thread-id>",
		Short: "Show a thread's checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if events {
					evs, err := a.engine.Events(ctx, args[0], 0)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), evs)
				}
				state, err := a.engine.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if query == "" {
					return writeJSON(cmd.OutOrStdout(), state)
				}
				data, err := expressions.ToJSONMap(state)
				if err != nil {
					return err
				}
				result, err := expressions.NewGoJQEngine().Evaluate(ctx, query, data)
				if err != nil {
					return err
				}
				if s, ok := result.(string); ok {
					fmt.Fprintln(cmd.OutOrStdout(), s)
					return nil
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVar(&query, "jq", "", "jq expression applied to the checkpoint")
	cmd.Flags().BoolVar(&events, "events", false, "print the audit trail instead")
	return cmd
}

func threadsCmd(opts *rootOptions) *cobra.Command {
	var (
		status string
		stage  string
		where  string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List threads",
		Example: `  stagegate threads --status awaiting_review
  stagegate threads --where 'thread.revision > 3 && thread.current_stage == "planner"'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				threads, err := a.engine.Threads(ctx, store.ThreadFilter{
					Status: schema.ThreadStatus(status),
					Stage:  stage,
					Limit:  limit,
				}, where)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), threads)
				}
				renderSummaries(cmd.OutOrStdout(), threads)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&stage, "stage", "", "filter by current stage")
	cmd.Flags().StringVar(&where, "where", "", "CEL expression over `thread`")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum threads to list (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func evictCmd(opts *rootOptions) *cobra.Command {
	var (
		rule   string
		sweep  bool
		reason string
	)
	cmd := &cobra.Command{
		Use:   "evict [thread-id...]",
		Short: "Delete threads by ID or by retention rule",
		Long: `Delete threads and their audit trails. With --sweep, every thread matching
the retention rule is evicted once, exactly as the scheduled evictor would.`,
		Example: `  stagegate evict 3f2a...
  stagegate evict --sweep --rule 'done && idle_hours > 24'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !sweep && len(args) == 0 {
				return fmt.Errorf("give thread IDs or --sweep")
			}
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				w := cmd.OutOrStdout()
				if sweep {
					if rule == "" {
						rule = a.cfg.Retention.Rule
					}
					ev, err := scheduler.NewEvictor(a.engine, scheduler.Config{
						Schedule: a.cfg.Retention.Schedule,
						Rule:     rule,
					}, a.clock, a.logger)
					if err != nil {
						return err
					}
					evicted, err := ev.Sweep(ctx)
					if err != nil {
						return err
					}
					for _, id := range evicted {
						fmt.Fprintln(w, id)
					}
					fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%d thread(s) evicted", len(evicted))))
					return nil
				}
				for _, id := range args {
					if err := a.engine.Evict(ctx, id, reason); err != nil {
						return err
					}
					fmt.Fprintln(w, id)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&sweep, "sweep", false, "evict every thread matching the retention rule")
	cmd.Flags().StringVar(&rule, "rule", "", "expr retention rule (default: retention.rule)")
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded with the eviction")
	return cmd
}

func pipelineCmd(opts *rootOptions) *cobra.Command {
	var (
		format   string
		threadID string
		outPath  string
	)
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Show the configured pipeline",
		Long: `Show the configured pipeline as JSON, YAML, a Mermaid flowchart, an ASCII
diagram or a PNG image. With --thread the diagram marks the thread's position.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				def := a.engine.Pipeline()
				w := cmd.OutOrStdout()
				switch format {
				case "json":
					return writeJSON(w, def)
				case "yaml":
					if a.cfg.PipelineFile == "" {
						_, err := w.Write(pipeline.DefaultYAML())
						return err
					}
					data, err := os.ReadFile(a.cfg.PipelineFile)
					if err != nil {
						return err
					}
					_, err = w.Write(data)
					return err
				}

				var state *schema.WorkflowState
				if threadID != "" {
					st, err := a.engine.Status(ctx, threadID)
					if err != nil {
						return err
					}
					state = st
				}
				model, err := diagram.Build(def, state)
				if err != nil {
					return err
				}
				switch format {
				case "mermaid":
					fmt.Fprint(w, diagram.RenderMermaid(model))
				case "ascii":
					fmt.Fprint(w, diagram.RenderASCII(model))
				case "png":
					ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
					defer cancel()
					png, err := diagram.RenderImage(ctx, model)
					if err != nil {
						return err
					}
					if outPath == "" {
						_, err = w.Write(png)
						return err
					}
					return os.WriteFile(outPath, png, 0o644)
				default:
					return fmt.Errorf("unknown format %q (want json, yaml, mermaid, ascii or png)", format)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "ascii", "json, yaml, mermaid, ascii or png")
	cmd.Flags().StringVar(&threadID, "thread", "", "overlay a thread's position")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write png output to a file")
	return cmd
}
