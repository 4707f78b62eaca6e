package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	"golang.org/x/term"

	"agentflow/internal/agent/ports"
	"agentflow/internal/stream"
)

// isTTY checks if the current environment has a TTY available
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func errorText(msg string) string {
	return red("✗ " + msg)
}

// newMarkdownRenderer sizes glamour to the terminal. Without a terminal it
// returns nil and answers are printed as they are.
func newMarkdownRenderer() *glamour.TermRenderer {
	if !isTTY() {
		return nil
	}
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = min(w-4, 120)
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
		glamour.WithEmoji(),
	)
	if err != nil {
		return nil
	}
	return renderer
}

func renderAnswer(renderer *glamour.TermRenderer, answer string) string {
	if renderer == nil || answer == "" {
		return answer
	}
	out, err := renderer.Render(answer)
	if err != nil {
		return answer
	}
	return strings.TrimRight(out, "\n")
}

// printEvents writes streamed events for one run until the end event or
// the channel closes.
func printEvents(out io.Writer, events <-chan stream.Event) {
	for ev := range events {
		switch ev.Type {
		case stream.EventToken:
			if token, ok := ev.Data.(string); ok {
				fmt.Fprint(out, gray(token))
			}
		case stream.EventSourceDocuments:
			docs, _ := ev.Data.([]ports.Document)
			for _, d := range docs {
				fmt.Fprintf(out, "%s %s\n", cyan("▸ source"), truncate(d.Content, 80))
			}
		case stream.EventUsedTools:
			used, _ := ev.Data.([]ports.UsedTool)
			for _, u := range used {
				fmt.Fprintf(out, "%s %s → %s\n", green("⚙"), bold(u.Tool), truncate(u.ToolOutput, 80))
			}
		case stream.EventEnd:
			fmt.Fprintln(out)
			return
		}
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
