package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agentdb/internal/errs"
	"github.com/rcliao/agentdb/internal/fsutil"
	"github.com/rcliao/agentdb/internal/model"
)

func TestParseProvider(t *testing.T) {
	tests := []struct {
		in      string
		want    Provider
		wantErr bool
	}{
		{"", ProviderAuto, false},
		{"auto", ProviderAuto, false},
		{" Binary ", ProviderBinary, false},
		{"json", ProviderJSON, false},
		{"sqlite", "", true},
	}
	for _, tt := range tests {
		got, err := ParseProvider(tt.in)
		if tt.wantErr {
			assert.True(t, errs.IsValidation(err), "ParseProvider(%q)", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "ParseProvider(%q)", tt.in)
	}
}

func TestResolvePath(t *testing.T) {
	tests := []struct {
		path   string
		format Format
		want   string
	}{
		{"data/memory.db", FormatBinary, "data/memory.amdb"},
		{"data/memory.dat", FormatBinary, "data/memory.amdb"},
		{"data/memory.JSON", FormatBinary, "data/memory.amdb"},
		{"data/memory.amdb", FormatBinary, "data/memory.amdb"},
		{"data/memory.bin", FormatBinary, "data/memory.bin"},
		{"data/memory", FormatBinary, "data/memory"},
		{"data/memory.json", FormatJSON, "data/memory.json"},
		{fsutil.MemoryPath, FormatBinary, fsutil.MemoryPath},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolvePath(tt.path, tt.format), "ResolvePath(%q, %s)", tt.path, tt.format)
	}
}

func TestOpenBinaryRewritesExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	b, err := Open(path, ProviderBinary, Config{Dimensions: 3})
	require.NoError(t, err)
	assert.Equal(t, FormatBinary, b.Format())
	assert.Equal(t, filepath.Join(filepath.Dir(path), "memory.amdb"), b.Path())
}

func TestOpenKeepsExistingBinaryUnderLegacyExtension(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "x.db")

	b, err := New(Config{Path: path, Format: FormatBinary, Dimensions: 3})
	require.NoError(t, err)
	require.NoError(t, b.Initialize(ctx))
	stored, err := b.Store(ctx, &model.Entry{Key: "k", Content: "v"})
	require.NoError(t, err)
	require.NoError(t, b.Shutdown(ctx))

	for _, p := range []Provider{ProviderAuto, ProviderBinary} {
		b, err := Open(path, p, Config{})
		require.NoError(t, err)
		assert.Equal(t, path, b.Path(), "provider %s", p)

		require.NoError(t, b.Initialize(ctx))
		got, err := b.Get(ctx, stored.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "v", got.Content)
		require.NoError(t, b.Shutdown(ctx))
	}

	_, err = os.Stat(filepath.Join(filepath.Dir(path), "x.amdb"))
	assert.True(t, os.IsNotExist(err))
}

func TestOpenBinaryDoesNotOverwriteLegacyJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.db")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))

	b, err := Open(path, ProviderBinary, Config{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "x.amdb"), b.Path())
}

func TestOpenAutoPrefersExistingJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	require.NoError(t, os.WriteFile(path, []byte("  [\n]\n"), 0o644))

	b, err := Open(path, ProviderAuto, Config{Dimensions: 3})
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, b.Format())
	assert.Equal(t, path, b.Path())

	require.NoError(t, b.Initialize(context.Background()))
	require.NoError(t, b.Shutdown(context.Background()))
}

func TestOpenAutoDefaultsToBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	b, err := Open(path, ProviderAuto, Config{})
	require.NoError(t, err)
	assert.Equal(t, FormatBinary, b.Format())
	assert.Equal(t, filepath.Join(filepath.Dir(path), "memory.amdb"), b.Path())
}

func TestOpenRejectsNullByte(t *testing.T) {
	_, err := Open("memory\x00.amdb", ProviderAuto, Config{})
	assert.True(t, errs.IsSecurity(err))
}

func TestOpenMemoryPath(t *testing.T) {
	b, err := Open(fsutil.MemoryPath, ProviderAuto, Config{})
	require.NoError(t, err)
	assert.Equal(t, fsutil.MemoryPath, b.Path())
	assert.Equal(t, FormatBinary, b.Format())
}

func TestDetectFormat(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}

	tests := []struct {
		name string
		path string
		want Format
	}{
		{"missing", filepath.Join(dir, "missing"), FormatNone},
		{"json", write("a.json", "[]"), FormatJSON},
		{"json with bom", write("b.json", "\xef\xbb\xbf\n  [{}]"), FormatJSON},
		{"binary", write("c.amdb", "AMDB\x01\x00"), FormatBinary},
		{"other", write("d.txt", "hello"), FormatUnknown},
		{"empty", write("e", ""), FormatUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
