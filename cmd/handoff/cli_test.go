package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/handoff/abi"
	"github.com/caffeineduck/handoff/host"
	"github.com/caffeineduck/handoff/memory"
)

// resetFlags puts every flag back to its default, since rootCmd is shared
// between tests.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func executeCommand(root *cobra.Command, stdin string, args ...string) (string, error) {
	resetFlags(root)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append(args, "--no-cache"))
	err := root.Execute()
	return buf.String(), err
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "", "--help")
	require.NoError(t, err)

	for _, phrase := range []string{"handoff", "WebAssembly", "match", "strlen", "prepend", "repl", "serve", "--module", "--engine", "--memory"} {
		assert.Contains(t, output, phrase)
	}
}

func TestCLIMatchHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "", "match", "--help")
	require.NoError(t, err)

	for _, phrase := range []string{"--text", "--compare", "Stdin"} {
		assert.Contains(t, output, phrase)
	}
}

func TestCLIReplHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "", "repl", "--help")
	require.NoError(t, err)

	for _, phrase := range []string{"--history", ":load", ":stats", "Command history", "Without FILE, use :load"} {
		assert.Contains(t, output, phrase)
	}
	assert.NotContains(t, output, "stdin when piped")
}

func TestCLIServeHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "", "serve", "--help")
	require.NoError(t, err)

	for _, phrase := range []string{"--listen", "/patterns", "/metrics", "/health"} {
		assert.Contains(t, output, phrase)
	}
}

func TestCLIMatchInline(t *testing.T) {
	output, err := executeCommand(rootCmd, "", "match", "Twain", "-t", "Mark Twain. Twain!")
	require.NoError(t, err)
	assert.Equal(t, "2\n", output)
}

func TestCLIMatchStdin(t *testing.T) {
	output, err := executeCommand(rootCmd, "fishing washing rushing", "match", "[a-z]shing")
	require.NoError(t, err)
	assert.Equal(t, "3\n", output)
}

func TestCLIMatchFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "book.txt")
	require.NoError(t, os.WriteFile(file, []byte("Tom Sawyer\nHuckleberry Finn\n"), 0o644))

	output, err := executeCommand(rootCmd, "", "match", "Tom|Sawyer|Huckleberry|Finn", file, "--compare")
	require.NoError(t, err)
	assert.Equal(t, "4\n", output)
}

func TestCLIMatchBackends(t *testing.T) {
	for _, args := range [][]string{
		{"--backend", "inprocess"},
		{"--engine", "regexp2"},
		{"--memory", "1MB"},
	} {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			output, err := executeCommand(rootCmd, "", append([]string{"match", "Twain", "-t", "Twain Twain", "--compare"}, args...)...)
			require.NoError(t, err)
			assert.Equal(t, "2\n", output)
		})
	}
}

func TestCLIMatchInvalidPattern(t *testing.T) {
	output, err := executeCommand(rootCmd, "", "match", "(", "-t", "text")
	require.Error(t, err)
	assert.Contains(t, output, "invalid pattern")
}

func TestCLIStrlen(t *testing.T) {
	output, err := executeCommand(rootCmd, "", "strlen", "Здравствуйте")
	require.NoError(t, err)
	assert.Equal(t, "12\n", output)
}

func TestCLIPrepend(t *testing.T) {
	output, err := executeCommand(rootCmd, "", "prepend", "tester")
	require.NoError(t, err)
	assert.Equal(t, "From Go: tester\n", output)

	output, err = executeCommand(rootCmd, "", "prepend", "tester", "--prefix", "From Rust: ")
	require.NoError(t, err)
	assert.Equal(t, "From Rust: tester\n", output)
}

func TestCLIConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "handoff.yaml")
	require.NoError(t, os.WriteFile(file, []byte("prefix: \"From YAML: \"\nbackend: inprocess\n"), 0o644))

	output, err := executeCommand(rootCmd, "", "prepend", "tester", "--config", file)
	require.NoError(t, err)
	assert.Equal(t, "From YAML: tester\n", output)

	// flags win over the file
	output, err = executeCommand(rootCmd, "", "prepend", "tester", "--config", file, "--prefix", "> ")
	require.NoError(t, err)
	assert.Equal(t, "> tester\n", output)
}

func TestCLIEnv(t *testing.T) {
	t.Setenv("HANDOFF_PREFIX", "From Env: ")
	t.Setenv("HANDOFF_LOG_LEVEL", "error")

	output, err := executeCommand(rootCmd, "", "prepend", "tester")
	require.NoError(t, err)
	assert.Equal(t, "From Env: tester\n", output)
}

func TestCLIBadSettings(t *testing.T) {
	tests := [][]string{
		{"strlen", "x", "--engine", "pcre"},
		{"strlen", "x", "--memory", "lots"},
		{"strlen", "x", "--backend", "jvm"},
		{"strlen", "x", "--log.level", "chatty"},
		{"strlen", "x", "--module", "/does/not/exist.wasm"},
		{"strlen", "x", "--config", "/does/not/exist.yaml"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args[2:], " "), func(t *testing.T) {
			_, err := executeCommand(rootCmd, "", args...)
			assert.Error(t, err)
		})
	}
}

func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
		err  bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"64KB", 1, false},
		{"1MB", 16, false},
		{"16MB", 256, false},
		{"100KB", 2, false},
		{"1GB", 16384, false},
		{"4GB", 65536, false},
		{"8GB", 0, true},
		{"many", 0, true},
	}
	for _, tt := range tests {
		got, err := parseMemoryLimit(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func newTestSession(t *testing.T) *session {
	t.Helper()
	ctx := context.Background()
	lib, err := host.NewLibrary(ctx, host.InProcess(abi.New(memory.NewLinear(1, 0))))
	require.NoError(t, err)
	s := &session{lib: lib, logger: log.NewNopLogger()}
	t.Cleanup(func() { s.Close(ctx) })
	return s
}

func TestReplEval(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "book.txt")
	require.NoError(t, os.WriteFile(file, []byte("Mark Twain wrote. Twain was fishing."), 0o644))

	out := new(bytes.Buffer)
	r := &repl{s: newTestSession(t), out: out}

	err := r.eval(ctx, "Twain")
	assert.ErrorContains(t, err, "no text loaded")

	require.NoError(t, r.eval(ctx, ":load "+file))
	assert.Contains(t, out.String(), "loaded "+file)

	out.Reset()
	require.NoError(t, r.eval(ctx, "Twain"))
	assert.Equal(t, "2\n", out.String())

	assert.ErrorIs(t, r.eval(ctx, "("), abi.ErrInvalidPattern)

	out.Reset()
	require.NoError(t, r.eval(ctx, ":strlen tester"))
	assert.Equal(t, "6\n", out.String())

	out.Reset()
	require.NoError(t, r.eval(ctx, ":prepend tester"))
	assert.Equal(t, "From Go: tester\n", out.String())

	out.Reset()
	require.NoError(t, r.eval(ctx, ":stats"))
	assert.Contains(t, out.String(), "patterns: 0 open")
	assert.Contains(t, out.String(), "targets: 1 open")

	assert.Error(t, r.eval(ctx, ":load "+filepath.Join(t.TempDir(), "missing")))
}
