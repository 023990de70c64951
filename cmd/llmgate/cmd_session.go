package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/llmgate/internal/state"
	"github.com/user/llmgate/internal/types"
	"github.com/user/llmgate/pkg/llm"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionHistoryCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)
		transcripts := state.NewTranscriptStore(cfg.DataDir)

		ctx := cmd.Context()
		list, err := sessions.List(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKEY\tVENDOR\tMODEL\tTURNS\tMESSAGES\tUPDATED")
		for _, s := range list {
			count, err := transcripts.Count(ctx, s.SessionID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				s.SessionID,
				s.SessionKey,
				s.Binding.Vendor,
				s.Binding.Model,
				s.Turns,
				count,
				s.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Print a session's transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)
		transcripts := state.NewTranscriptStore(cfg.DataDir)

		ctx := cmd.Context()
		id := types.SessionID(args[0])
		if _, err := sessions.Get(ctx, id); err != nil {
			return err
		}
		msgs, err := transcripts.Load(ctx, id)
		if err != nil {
			return fmt.Errorf("load transcript: %w", err)
		}
		out := cmd.OutOrStdout()
		for _, m := range msgs {
			fmt.Fprintln(out, formatMessage(m))
		}
		return nil
	},
}

// formatMessage renders one transcript message for the terminal.
func formatMessage(m llm.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", m.Role)
	if m.ToolCallID != "" {
		fmt.Fprintf(&b, " (%s)", m.ToolCallID)
	}
	if m.Content != "" {
		b.WriteString(" ")
		b.WriteString(m.Content)
	}
	for _, c := range m.ToolCalls {
		fmt.Fprintf(&b, "\n  -> %s %s", c.Name, c.Arguments)
	}
	return b.String()
}
