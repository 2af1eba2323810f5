package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/recdm/pkg/dialogue"
)

// chatSession drives one dialogue from a terminal.
type chatSession struct {
	app       *app
	sessionID string
	userID    string
	out       io.Writer
}

// handleLine runs one shorthand line. It reports whether the dialogue is
// over.
func (c *chatSession) handleLine(ctx context.Context, input string) (bool, error) {
	switch input {
	case ":state":
		return false, c.printState(ctx)
	case ":help":
		c.printHelp()
		return false, nil
	}

	act, err := parseAct(input)
	if err != nil {
		fmt.Fprintf(c.out, "Could not read that: %v\n", err)
		return false, nil
	}
	reply, err := c.app.manager.HandleTurn(ctx, c.sessionID, c.userID, act)
	switch {
	case errors.Is(err, dialogue.ErrChoicesNotSaved):
		fmt.Fprintf(c.out, "warning: %v\n", err)
	case err != nil:
		return false, err
	}
	c.sessionID = reply.SessionID

	for _, line := range describeReply(reply, c.app.catalog) {
		fmt.Fprintf(c.out, "%s %s\n", appName, line)
	}
	if reply.Closed {
		if err := reply.Err(); err != nil {
			fmt.Fprintf(c.out, "Session %s closed: %v\n", reply.SessionID, err)
		} else {
			fmt.Fprintf(c.out, "Session %s closed.\n", reply.SessionID)
		}
		return true, nil
	}
	return false, nil
}

func (c *chatSession) printState(ctx context.Context) error {
	if c.sessionID == "" {
		fmt.Fprintln(c.out, "No turn taken yet.")
		return nil
	}
	s, err := c.app.manager.Session(ctx, c.sessionID)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "session %s  state %s  turn %d  version %d\n", s.ID, s.State, s.Turn, s.Version)
	for _, con := range s.Constraints.Constraints() {
		fmt.Fprintf(c.out, "  %s\n", con)
	}
	flags, _ := json.Marshal(s.Flags())
	fmt.Fprintf(c.out, "  flags %s\n", flags)
	return nil
}

func (c *chatSession) printHelp() {
	fmt.Fprintln(c.out, strings.TrimSpace(`
  genre=comedy decade=1990s     tell a preference
  genre!=horror                 rule something out
  year=1990..1999 rating=8..10  ranges
  genre=comedy! actor=murray^2  mandatory, priority
  accept m2 | reject m1 m3 | reject_all
  remove genre | yes | no | more | include_rejected | retry
  restart | quit | :state | exit`))
}

func interactiveMode(ctx context.Context, c *chatSession) error {
	prompt := fmt.Sprintf("%s You: ", appName)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".recdm_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		return simpleInteractiveMode(ctx, c, os.Stdin)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(c.out, "\nGoodbye!")
				return nil
			}
			fmt.Fprintf(c.out, "Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" {
			fmt.Fprintln(c.out, "Goodbye!")
			return nil
		}

		done, err := c.handleLine(ctx, input)
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			continue
		}
		if done {
			return nil
		}
	}
}

func simpleInteractiveMode(ctx context.Context, c *chatSession, in io.Reader) error {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(c.out, "%s You: ", appName)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				fmt.Fprintln(c.out, "\nGoodbye!")
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" {
			fmt.Fprintln(c.out, "Goodbye!")
			return nil
		}

		done, err := c.handleLine(ctx, input)
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			continue
		}
		if done {
			return nil
		}
	}
}

// runOneShot sends each message as its own turn on one session.
func runOneShot(ctx context.Context, c *chatSession, messages []string) error {
	for _, msg := range messages {
		fmt.Fprintf(c.out, "%s You: %s\n", appName, msg)
		done, err := c.handleLine(ctx, strings.TrimSpace(msg))
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}
