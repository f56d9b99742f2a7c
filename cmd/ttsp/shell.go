package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

func newShellCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell over one attached session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "ttsp> ",
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
				Stdout:          cmd.OutOrStdout(),
			})
			if err != nil {
				return fmt.Errorf("failed to create readline: %w", err)
			}
			defer rl.Close()
			return shell(e, rl.Readline, rl.Stdout())
		},
	}
}

// shell runs command lines against one session until EOF or "exit".
func shell(e *env, readLine func() (string, error), out io.Writer) error {
	e.keep = true
	defer func() { e.keep = false }()

	for {
		line, err := readLine()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "exit", "quit":
			return nil
		case "shell", "run":
			fmt.Fprintf(out, "%s is not available inside the shell\n", fields[0])
			continue
		}

		root := newRootCommand(e)
		root.SetOut(out)
		root.SetErr(out)
		root.SetArgs(fields)
		// Errors are printed by cobra; the shell carries on.
		_ = root.Execute()
	}
}
