package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"agentflow/internal/agent/loop"
	"agentflow/internal/app"
	"agentflow/internal/di"
)

type runOptions struct {
	chatID string
	stream bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <flowId> [question]",
		Short: "Run a flow from the terminal",
		Long: `Run a flow once with the given question, or start an interactive
session when no question is given. Human tools and AutoGPT feedback
prompt on this terminal.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			con, err := newConsole(cyan("❯ "))
			if err != nil {
				return fmt.Errorf("failed to open terminal: %w", err)
			}
			defer con.Close()

			container, err := di.BuildContainer(cfg, di.WithInput(con), di.WithLogOutput(io.Discard))
			if err != nil {
				return fmt.Errorf("failed to initialize container: %w", err)
			}
			defer func() { _ = container.Cleanup(context.Background()) }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			r := &runner{
				container: container,
				flowID:    args[0],
				chatID:    opts.chatID,
				stream:    opts.stream,
				out:       cmd.OutOrStdout(),
				renderer:  newMarkdownRenderer(),
			}
			if r.chatID == "" {
				r.chatID = uuid.NewString()
			}
			if len(args) == 2 {
				return r.ask(ctx, args[1])
			}
			return r.repl(ctx, con)
		},
	}
	cmd.Flags().StringVar(&opts.chatID, "chat-id", "", "continue an existing conversation")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "print answer tokens as they arrive")
	return cmd
}

type runner struct {
	container *di.Container
	flowID    string
	chatID    string
	stream    bool
	out       io.Writer
	renderer  *glamour.TermRenderer
}

func (r *runner) repl(ctx context.Context, con *console) error {
	flow, err := r.container.Flows.Get(r.flowID)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s %s (%s)\n", bold(flow.Name), gray(flow.ID), flow.Strategy)
	fmt.Fprintln(r.out, gray("Type your question, or exit to quit."))
	for {
		question, err := con.Question()
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := r.ask(ctx, question); err != nil {
			fmt.Fprintln(r.out, errorText(err.Error()))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// ask runs one prediction on the runner's chat so history carries across
// questions.
func (r *runner) ask(ctx context.Context, question string) error {
	req := app.PredictionRequest{
		Question:  question,
		ChatID:    r.chatID,
		Streaming: r.stream && r.container.Broadcaster != nil,
	}

	var printed chan struct{}
	var unsubscribe func()
	if req.Streaming {
		events, cancel := r.container.Broadcaster.Subscribe(r.chatID)
		unsubscribe = cancel
		printed = make(chan struct{})
		go func() {
			defer close(printed)
			printEvents(r.out, events)
		}()
	}

	resp, err := r.container.Predictions.Predict(ctx, r.flowID, req)
	if unsubscribe != nil {
		unsubscribe()
		<-printed
	}
	if resp == nil {
		return err
	}

	switch resp.Status {
	case loop.StatusFinished:
		if !req.Streaming {
			fmt.Fprintln(r.out, renderAnswer(r.renderer, resp.Text))
			for _, u := range resp.UsedTools {
				fmt.Fprintf(r.out, "%s %s\n", green("⚙"), gray(u.Tool))
			}
		}
	case loop.StatusAborted:
		fmt.Fprintln(r.out, yellow(strings.TrimSpace("⚠ "+resp.Text)))
	default:
		fmt.Fprintln(r.out, red(strings.TrimSpace("✗ "+resp.Text)))
	}
	return err
}
