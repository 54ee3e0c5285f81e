package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"allylab/internal/app"
	"allylab/internal/domain"
	"allylab/internal/repo"
	allylabsdk "allylab/sdk/go"
)

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded scans",
		Long:  "Every scan run with history enabled is recorded in the workspace database with its full event log, locally or on the server given by --server.",
	}
	cmd.AddCommand(historyListCmd())
	cmd.AddCommand(historyShowCmd())
	cmd.AddCommand(historyEventsCmd())
	cmd.AddCommand(historyRmCmd())
	return cmd
}

func historyListCmd() *cobra.Command {
	var f repo.ScanFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scans, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(); c != nil {
				scans, err := c.Scans(cmd.Context(), f.Limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(scans)
				}
				rows := make([]table.Row, 0, len(scans))
				for _, s := range scans {
					rows = append(rows, table.Row{s.ID, s.Kind, s.Status, s.URL, intOrDash(s.Score), intOrDash(s.TotalIssues), s.CreatedAt})
				}
				renderScans(rows)
				return nil
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if rt.DB == nil {
					return errHistoryDisabled
				}
				scans, err := rt.Engine.Repo.ListScans(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(scans)
				}
				rows := make([]table.Row, 0, len(scans))
				for _, s := range scans {
					rows = append(rows, table.Row{s.ID, s.Kind, s.Status, s.URL, intOrDash(s.Score), intOrDash(s.TotalIssues), s.CreatedAt})
				}
				renderScans(rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "page or site")
	cmd.Flags().StringVar(&f.Status, "status", "", "running, completed or failed")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of scans")
	return cmd
}

func historyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <scan-id>",
		Short: "Show a scan and its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(); c != nil {
				detail, err := c.GetScan(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if rt.DB == nil {
					return errHistoryDisabled
				}
				s, err := rt.Engine.Repo.GetScan(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(scanDetail(s))
			})
		},
	}
}

func historyEventsCmd() *cobra.Command {
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "events <scan-id>",
		Short: "Replay the recorded events of a scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printer := eventPrinter(os.Stdout)
			if c := remoteClient(); c != nil {
				events, err := c.ScanEvents(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, env := range events {
					printer(env)
				}
				return nil
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if rt.DB == nil {
					return errHistoryDisabled
				}
				msgs, err := rt.Engine.Replay(ctx, args[0], after, limit)
				if err != nil {
					return err
				}
				for _, m := range msgs {
					if env, ok := m.Envelope(); ok {
						printer(env)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "skip events up to this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 200, "number of events")
	return cmd
}

func historyRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <scan-id>",
		Short: "Delete a finished scan and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if rt.DB == nil {
					return errHistoryDisabled
				}
				if err := rt.Engine.DeleteScan(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

var errHistoryDisabled = errors.New("history is disabled: storage.workspace is empty or --no-history is set")

func renderScans(rows []table.Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Kind", "Status", "URL", "Score", "Issues", "Created"})
	tw.AppendRows(rows)
	tw.Render()
}

func intOrDash(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

// scanDetail is the local counterpart of allylabsdk.ScanDetail, so both print alike.
func scanDetail(s domain.Scan) allylabsdk.ScanDetail {
	d := allylabsdk.ScanDetail{ScanRecord: allylabsdk.ScanRecord{
		ID:          s.ID,
		Kind:        s.Kind,
		URL:         s.URL,
		Status:      s.Status,
		Score:       s.Score,
		TotalIssues: s.TotalIssues,
		Error:       s.Error,
		CreatedAt:   s.CreatedAt,
	}}
	if s.FinishedAt != nil {
		d.FinishedAt = *s.FinishedAt
	}
	if s.ResultJSON != nil {
		d.Result = []byte(*s.ResultJSON)
	}
	return d
}
