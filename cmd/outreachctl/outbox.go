package main

import (
	"outreach-platform/internal/audit"
	"outreach-platform/internal/jobs"
	"outreach-platform/internal/outbox"

	"github.com/spf13/cobra"
)

var (
	listKind     string
	listRun      string
	listStatuses []string
	listAll      bool
	listLimit    int
	resolveNote  string
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and repair failed jobs",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered (and optionally failed) jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, db, err := openOutbox(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		f := outbox.Filter{
			Kind:            jobs.Kind(listKind),
			RunID:           listRun,
			IncludeResolved: listAll,
			Limit:           listLimit,
		}
		for _, s := range listStatuses {
			f.Statuses = append(f.Statuses, jobs.Status(s))
		}
		list, err := svc.ListFailed(cmd.Context(), f)
		if err != nil {
			return err
		}
		return printJSON(list)
	},
}

var outboxRequeueCmd = &cobra.Command{
	Use:   "requeue [job-id]",
	Short: "Requeue a terminal job with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, db, err := openOutbox(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		e, err := svc.Requeue(cmd.Context(), args[0], cliActor())
		if err != nil {
			return err
		}
		return printJSON(e)
	},
}

var outboxResolveCmd = &cobra.Command{
	Use:   "resolve [job-id]",
	Short: "Mark a failed job as handled out of band",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, db, err := openOutbox(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		e, err := svc.MarkResolved(cmd.Context(), args[0], cliActor(), resolveNote)
		if err != nil {
			return err
		}
		return printJSON(e)
	},
}

func cliActor() audit.Actor {
	return audit.Actor{ID: actorID, Role: "cli"}
}

func init() {
	outboxListCmd.Flags().StringVar(&listKind, "kind", "", "call, sms, tts-pregenerate or gateway-callback")
	outboxListCmd.Flags().StringVar(&listRun, "run", "", "Only jobs of this run")
	outboxListCmd.Flags().StringSliceVar(&listStatuses, "status", nil, "dead-lettered and/or failed")
	outboxListCmd.Flags().BoolVar(&listAll, "all", false, "Include resolved jobs")
	outboxListCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum rows")
	outboxResolveCmd.Flags().StringVar(&resolveNote, "note", "", "Resolution note for the audit trail")

	outboxCmd.AddCommand(outboxListCmd, outboxRequeueCmd, outboxResolveCmd)
	rootCmd.AddCommand(outboxCmd)
}
