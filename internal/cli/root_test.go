package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlags restores every flag to its default so commands can run more
// than once in one process.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(RootCmd)
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(io.Discard)
	RootCmd.SetIn(strings.NewReader(""))
	RootCmd.SetArgs(args)
	err := RootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, "agentdb %s", strings.Join(args, " "))
	return out
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), s)
	return v
}

func useTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AGENTDB_DIR", dir)
	t.Setenv("AGENTDB_DB", "")
	t.Setenv("AGENTDB_LOG_LEVEL", "error")
	return dir
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{
		"put", "get", "rm", "list", "ns", "search", "context", "link",
		"stats", "health", "export", "import", "migrate", "detect", "events", "learn",
	}
	have := map[string]bool{}
	for _, c := range RootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, have[name], "missing command %q", name)
	}
}

func TestPutGetSearchRm(t *testing.T) {
	useTempDir(t)

	put := decode[map[string]any](t, mustRun(t, "put", "--key", "greet", "-t", "a,b", "hello", "world"))
	assert.Equal(t, "greet", put["key"])
	assert.Equal(t, "default", put["namespace"])
	assert.NotContains(t, put, "embedding")

	got := decode[map[string]any](t, mustRun(t, "get", "--key", "greet"))
	assert.Equal(t, "hello world", got["content"])
	assert.Equal(t, put["id"], got["id"])

	mustRun(t, "put", "--key", "other", "something else entirely")

	results := decode[[]map[string]any](t, mustRun(t, "search", "hello world"))
	require.NotEmpty(t, results)
	assert.Equal(t, "greet", results[0]["key"])
	assert.InDelta(t, 1.0, results[0]["score"], 1e-5)

	keys := mustRun(t, "list", "--keys-only")
	assert.Contains(t, keys, "default/greet\n")
	assert.Contains(t, keys, "default/other\n")

	mustRun(t, "rm", "--key", "greet")
	_, err := run(t, "get", "--key", "greet")
	assert.Error(t, err)
}

func TestPutUpdatesExistingKey(t *testing.T) {
	useTempDir(t)

	first := decode[map[string]any](t, mustRun(t, "put", "-n", "notes", "-k", "todo", "v1"))
	second := decode[map[string]any](t, mustRun(t, "put", "-n", "notes", "-k", "todo", "v2"))
	assert.Equal(t, first["id"], second["id"])
	assert.EqualValues(t, 2, second["version"])

	ns := decode[[]map[string]any](t, mustRun(t, "ns", "list"))
	require.Len(t, ns, 1)
	assert.Equal(t, "notes", ns[0]["namespace"])
	assert.EqualValues(t, 1, ns[0]["count"])
}

func TestLinkAndExportImport(t *testing.T) {
	dir := useTempDir(t)

	mustRun(t, "put", "-k", "a", "first")
	mustRun(t, "put", "-k", "b", "second")
	linked := decode[map[string]any](t, mustRun(t, "link", "--from-key", "a", "--to-key", "b"))
	assert.Len(t, linked["references"], 1)

	exported := mustRun(t, "export")
	entries := decode[[]map[string]any](t, exported)
	assert.Len(t, entries, 2)

	other := filepath.Join(dir, "copy.amdb")
	resetFlags(RootCmd)
	RootCmd.SetIn(strings.NewReader(exported))
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetArgs([]string{"--db", other, "import"})
	require.NoError(t, RootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), `"imported":2`)

	ns := decode[[]map[string]any](t, mustRun(t, "--db", other, "ns", "list"))
	require.Len(t, ns, 1)
	assert.EqualValues(t, 2, ns[0]["count"])
}

func TestEventsCommands(t *testing.T) {
	useTempDir(t)

	ev := decode[map[string]any](t, mustRun(t, "events", "append", "--type", "created", "--aggregate", "task-1", "--payload", `{"x":1}`))
	assert.EqualValues(t, 1, ev["version"])
	ev = decode[map[string]any](t, mustRun(t, "events", "append", "--type", "updated", "--aggregate", "task-1"))
	assert.EqualValues(t, 2, ev["version"])

	events := decode[[]map[string]any](t, mustRun(t, "events", "list", "--aggregate", "task-1"))
	assert.Len(t, events, 2)

	filtered := decode[[]map[string]any](t, mustRun(t, "events", "list", "--type", "updated"))
	require.Len(t, filtered, 1)
	assert.Equal(t, "updated", filtered[0]["type"])

	st := decode[map[string]any](t, mustRun(t, "events", "stats"))
	assert.EqualValues(t, 2, st["total_events"])

	_, err := run(t, "events", "append", "--type", "x", "--aggregate", "a", "--payload", "{not json")
	assert.Error(t, err)
}

func TestMigrateAndDetect(t *testing.T) {
	dir := useTempDir(t)
	mustRun(t, "put", "-k", "a", "first")

	src := filepath.Join(dir, "memory.amdb")
	det := decode[map[string]any](t, mustRun(t, "detect", src))
	assert.Equal(t, "binary", det["format"])

	res := decode[map[string]any](t, mustRun(t, "migrate", "-q", src, filepath.Join(dir, "out.json")))
	assert.Equal(t, "json", res["format"])
	assert.EqualValues(t, 1, res["entries"])

	det = decode[map[string]any](t, mustRun(t, "detect", filepath.Join(dir, "out.json")))
	assert.Equal(t, "json", det["format"])
}

func TestStatsHealthAndLearn(t *testing.T) {
	useTempDir(t)
	mustRun(t, "put", "-k", "a", "first")

	st := decode[map[string]any](t, mustRun(t, "stats"))
	assert.EqualValues(t, 1, st["total_entries"])

	text := mustRun(t, "--format", "text", "stats")
	assert.Contains(t, text, "entries")

	health := decode[map[string]any](t, mustRun(t, "health"))
	assert.Equal(t, "healthy", health["status"])

	learn := decode[map[string]any](t, mustRun(t, "learn", "stats"))
	assert.Contains(t, learn, "store")
	assert.Contains(t, learn, "patterns")

	assert.Contains(t, mustRun(t, "learn", "prune"), `"pruned":0`)
}

func TestContextCommand(t *testing.T) {
	useTempDir(t)
	mustRun(t, "put", "-k", "a", "-p", "high", "remember the deploy steps")

	res := decode[map[string]any](t, mustRun(t, "context", "remember the deploy steps"))
	entries, ok := res["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].(map[string]any)["key"])
}
