package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var strlenCmd = &cobra.Command{
	Use:   "strlen [TEXT]",
	Short: "Count the Unicode code points of a string",
	Long: `Count the Unicode code points of TEXT, or of stdin, in the callee.
Invalid UTF-8 is rejected.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStrlen,
}

var prependCmd = &cobra.Command{
	Use:   "prepend [TEXT]",
	Short: "Prepend the callee's prefix to a string",
	Long: `Have the callee put its prefix (--prefix) in front of TEXT, or of
stdin, and print the NUL-terminated string it hands back.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPrepend,
}

func init() {
	rootCmd.AddCommand(strlenCmd)
	rootCmd.AddCommand(prependCmd)
}

func textArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	return readInput(cmd, "", "")
}

func runStrlen(cmd *cobra.Command, args []string) error {
	text, err := textArg(cmd, args)
	if err != nil {
		return err
	}

	ctx := context.Background()
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	n, err := s.lib.StringLength(ctx, text)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), n)
	return nil
}

func runPrepend(cmd *cobra.Command, args []string) error {
	text, err := textArg(cmd, args)
	if err != nil {
		return err
	}

	ctx := context.Background()
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	out, err := s.lib.Prepend(ctx, text)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}
