package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

// errQuit ends the interactive session.
var errQuit = errors.New("quit")

// console reads questions and human feedback from the terminal with line
// editing and history.
type console struct {
	mu     sync.Mutex
	rl     *readline.Instance
	prompt string
}

func newConsole(prompt string) (*console, error) {
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".agentflow", "history")
		_ = os.MkdirAll(filepath.Dir(historyFile), 0o755)
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            prompt,
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		UniqueEditLine:    true,
		Stdin:             readline.NewCancelableStdin(os.Stdin),
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	return &console{rl: rl, prompt: prompt}, nil
}

// Question reads the next question. Ctrl+C on an empty line, Ctrl+D and the
// words exit, quit or q return errQuit.
func (c *console) Question() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		line, err := c.rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return "", errQuit
			}
			continue
		case errors.Is(err, io.EOF):
			return "", errQuit
		case err != nil:
			return "", err
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit", "q":
			return "", errQuit
		}
		return line, nil
	}
}

// Ask implements tools.InputProvider for human tools and AutoGPT feedback.
func (c *console) Ask(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rl.SetPrompt(yellow(strings.TrimSpace(prompt) + " "))
	defer c.rl.SetPrompt(c.prompt)

	line, err := c.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
		// AutoGPT treats "stop" as the operator ending the run.
		return "stop", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (c *console) Close() error {
	return c.rl.Close()
}
