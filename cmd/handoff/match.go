package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var matchCmd = &cobra.Command{
	Use:   "match PATTERN [FILE]",
	Short: "Count matches of a pattern",
	Long: `Compile PATTERN in the callee and count its non-overlapping matches.

Text can be provided via:
  - File argument: handoff match Twain book.txt
  - Inline flag: handoff match Twain -t 'Mark Twain'
  - Stdin: cat book.txt | handoff match Twain

With --compare the text is also counted by the engine directly, and a
differing count is an error.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runMatch,
}

func init() {
	matchCmd.Flags().StringP("text", "t", "", "Text to search")
	matchCmd.Flags().Bool("compare", false, "Fail unless the engine counts the same directly")
	rootCmd.AddCommand(matchCmd)
}

func runMatch(cmd *cobra.Command, args []string) error {
	inline, _ := cmd.Flags().GetString("text")
	compare, _ := cmd.Flags().GetBool("compare")

	var file string
	if len(args) > 1 {
		file = args[1]
	}
	text, err := readInput(cmd, file, inline)
	if err != nil {
		return err
	}

	ctx := context.Background()
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	n, err := countIn(ctx, s, args[0], text)
	if err != nil {
		return err
	}

	if compare {
		direct, err := s.cfg.engine.Compile(args[0])
		if err != nil {
			return errors.Wrap(err, "compile directly")
		}
		want, err := direct.Count([]byte(text))
		if err != nil {
			return errors.Wrap(err, "count directly")
		}
		if want != n {
			return errors.Errorf("callee counted %d matches, %s counted %d", n, s.cfg.engine.Name(), want)
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), n)
	return nil
}

func countIn(ctx context.Context, s *session, expr, text string) (int, error) {
	p, err := s.lib.Compile(ctx, expr)
	if err != nil {
		return 0, err
	}
	defer p.Close(ctx)

	target, err := s.lib.PrepareTarget(ctx, text)
	if err != nil {
		return 0, err
	}
	defer target.Close(ctx)

	return p.MatchCount(ctx, target)
}
