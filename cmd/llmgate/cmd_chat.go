package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/muesli/reflow/wrap"
	"github.com/spf13/cobra"

	"github.com/user/llmgate/internal/events"
	"github.com/user/llmgate/internal/types"
)

var (
	chatKey     string
	chatVendor  string
	chatModel   string
	chatSession string
	chatWidth   int
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatKey, "key", "cli:default", "session key; reusing a key resumes its session")
	chatCmd.Flags().StringVar(&chatVendor, "vendor", "", "vendor for a new session (default from config)")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "model for a new session")
	chatCmd.Flags().StringVar(&chatSession, "auth-session", "", "credential session name")
	chatCmd.Flags().IntVar(&chatWidth, "width", 100, "wrap replies at this many columns (0 disables)")
}

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with a model from the terminal",
	Long: "Chat with a model from the terminal. With a message argument the reply\n" +
		"is printed and the command exits; without one it reads lines from stdin.",
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	binding, err := a.parseBinding(chatVendor, chatModel, chatSession)
	if err != nil {
		return err
	}

	a.supervisor.Start(ctx)
	defer a.supervisor.Stop()

	id, err := a.supervisor.Open(ctx, types.SessionKey(chatKey), binding)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	sub := a.bus.Subscribe(id, 256)
	defer sub.Close()
	go printProgress(out, sub)

	if len(args) > 0 {
		return chatTurn(ctx, a, id, strings.Join(args, " "), out)
	}

	fmt.Fprintf(out, "Session %s (%s). Ctrl-D to exit.\n", id, binding.Vendor)
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := chatTurn(ctx, a, id, text, out); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
}

func chatTurn(ctx context.Context, a *app, id types.SessionID, text string, out io.Writer) error {
	ev, err := a.supervisor.SendAndWait(ctx, id, text)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	if ev.Degraded {
		fmt.Fprintf(out, "[%s error]\n", ev.ErrorClass)
	}
	text = ev.Text
	if chatWidth > 0 {
		text = wrap.String(text, chatWidth)
	}
	fmt.Fprintln(out, text)
	return nil
}

// printProgress shows tool activity while a turn runs.
func printProgress(out io.Writer, sub *events.Subscription) {
	for ev := range sub.C {
		if ev.Tool == nil {
			continue
		}
		switch ev.Kind {
		case events.KindToolCallStart:
			fmt.Fprintf(out, "  ... %s\n", ev.Tool.Name)
		case events.KindToolCallEnd:
			mark := "ok"
			if ev.Tool.IsError {
				mark = "failed"
			}
			fmt.Fprintf(out, "  ... %s %s\n", ev.Tool.Name, mark)
		}
	}
}
