package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/handoff/host"
)

var replCmd = &cobra.Command{
	Use:   "repl [FILE]",
	Short: "Interactive pattern counting against a loaded text",
	Long: `Start an interactive session. FILE, when given, is loaded into callee
memory once; every line typed is compiled as a pattern and counted
against it. Without FILE, use :load before counting.

Commands:
  :load FILE    Replace the loaded text
  :strlen TEXT  Count code points
  :prepend TEXT Prepend the callee's prefix
  :stats        Show callee allocations

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.handoff_history)")
	rootCmd.AddCommand(replCmd)
}

// repl holds the state of one interactive session.
type repl struct {
	s      *session
	target *host.Target
	out    io.Writer
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".handoff_history")
	}

	ctx := context.Background()
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	r := &repl{s: s, out: cmd.OutOrStdout()}
	if len(args) > 0 {
		if err := r.load(ctx, args[0]); err != nil {
			return err
		}
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "handoff> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdin:             io.NopCloser(cmd.InOrStdin()),
		Stdout:            cmd.OutOrStdout(),
		Stderr:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(cmd.ErrOrStderr(), "handoff %s REPL (type 'exit' to quit, Ctrl+D to exit)\n", s.lib.Dialect())

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			return fmt.Errorf("read input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		if err := r.eval(ctx, line); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		}
	}
	return nil
}

func (r *repl) eval(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case ":load":
		return r.load(ctx, strings.TrimSpace(rest))
	case ":strlen":
		n, err := r.s.lib.StringLength(ctx, rest)
		if err != nil {
			return err
		}
		fmt.Fprintln(r.out, n)
		return nil
	case ":prepend":
		out, err := r.s.lib.Prepend(ctx, rest)
		if err != nil {
			return err
		}
		fmt.Fprintln(r.out, out)
		return nil
	case ":stats":
		return r.stats(ctx)
	}

	if r.target == nil {
		return fmt.Errorf("no text loaded, use :load FILE")
	}
	p, err := r.s.lib.Compile(ctx, line)
	if err != nil {
		return err
	}
	defer p.Close(ctx)

	n, err := p.MatchCount(ctx, r.target)
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, n)
	return nil
}

func (r *repl) load(ctx context.Context, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	target, err := r.s.lib.PrepareTarget(ctx, string(data))
	if err != nil {
		return err
	}
	if r.target != nil {
		r.target.Close(ctx)
	}
	r.target = target
	fmt.Fprintf(r.out, "loaded %s (%s)\n", file, humanize.Bytes(uint64(target.Len())))
	return nil
}

func (r *repl) stats(ctx context.Context) error {
	st, err := r.s.lib.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "allocations: %s live (%s)\npatterns: %d open\ntargets: %d open\nmemory: %s\n",
		humanize.Comma(int64(st.LiveAllocations)),
		humanize.Bytes(uint64(st.LiveBytes)),
		st.Patterns,
		st.Targets,
		humanize.IBytes(uint64(r.s.lib.Memory().Size())))
	return nil
}
