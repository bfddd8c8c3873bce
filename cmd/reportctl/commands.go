package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"report-scheduler/internal/app"
	"report-scheduler/internal/models"
	"report-scheduler/internal/queue"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func tickCmd() *cobra.Command {
	var times int
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Advance the queue: dispatch due schedules and process one job",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Build(cmd.Context(), cfg, memory)
			if err != nil {
				return err
			}
			defer a.Close()
			for i := 0; i < times; i++ {
				res, err := a.Queue.Tick(cmd.Context())
				if err != nil {
					return err
				}
				if err := printJSON(res); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&times, "times", "n", 1, "number of ticks to run")
	return cmd
}

func enqueueCmd() *cobra.Command {
	var start, end, templateID string
	var process bool
	cmd := &cobra.Command{
		Use:   "enqueue <client-id>",
		Short: "Queue a report for a client and period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := time.Parse(models.DateLayout, start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			pe := ps
			if end != "" {
				if pe, err = time.Parse(models.DateLayout, end); err != nil {
					return fmt.Errorf("--end: %w", err)
				}
			}
			period := models.Period{Start: ps, End: pe}

			a, err := app.Build(cmd.Context(), cfg, memory)
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := a.Queue.ValidateManual(cmd.Context(), args[0], period); err != nil {
				return err
			}
			job, created, err := a.Queue.Enqueue(cmd.Context(), queue.EnqueueRequest{
				ClientID:   args[0],
				Period:     period,
				TemplateID: templateID,
				Origin:     "cli",
			})
			if err != nil {
				return err
			}
			if process {
				res, err := a.Queue.Tick(cmd.Context())
				if err != nil {
					return err
				}
				if res.JobID == job.ID {
					if job, err = a.Queue.GetReport(cmd.Context(), job.ID); err != nil {
						return err
					}
				}
			}
			return printJSON(map[string]any{"job": job, "period": job.Period(), "created": created})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "period start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "period end (YYYY-MM-DD), defaults to start")
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().BoolVar(&process, "process", false, "tick once after enqueueing")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func maintenanceCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "maintenance [task...]",
		Short: "Run due maintenance tasks, or the named ones with --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Build(cmd.Context(), cfg, memory)
			if err != nil {
				return err
			}
			defer a.Close()

			s := a.Scheduler
			now := a.Clock.Now()
			ran := 0
			for _, t := range s.Tasks() {
				if len(args) > 0 && !contains(args, t.Name()) {
					continue
				}
				if !force && !s.IsDue(t, now) {
					continue
				}
				if s.TryRun(cmd.Context(), t, now) {
					ran++
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.TabIndent)
			fmt.Fprintln(w, "TASK\tSCHEDULE\tRUNS\tLAST RUN\tERROR\t")
			for _, t := range s.Tasks() {
				st := t.Stats()
				last := "-"
				if !st.LastRunAt.IsZero() {
					last = st.LastRunAt.Format(time.RFC3339)
				}
				errText := ""
				if st.LastError != nil {
					errText = st.LastError.Error()
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t\n", st.Name, st.Expression, st.Runs, last, errText)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("%d task(s) ran\n", ran)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "run tasks even when not due")
	return cmd
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded Postgres migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if memory {
				return errors.New("migrate needs Postgres; drop --memory")
			}
			a, err := app.Build(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Postgres.RunMigrations(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func testConnectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection <client-id>",
		Short: "Probe every active data source of a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Build(cmd.Context(), cfg, memory)
			if err != nil {
				return err
			}
			defer a.Close()
			results, err := a.TestConnections(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.TabIndent)
			fmt.Fprintln(w, "DATA SOURCE\tRESULT\t")
			failed := 0
			for id, err := range results {
				result := "ok"
				if err != nil {
					result = err.Error()
					failed++
				}
				fmt.Fprintf(w, "%s\t%s\t\n", id, result)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d data source(s) failed", failed)
			}
			return nil
		},
	}
}
