package store

import (
	"path/filepath"
	"strings"

	"github.com/rcliao/agentdb/internal/errs"
	"github.com/rcliao/agentdb/internal/fsutil"
)

// Provider chooses the backend encoding for a path.
type Provider string

const (
	ProviderAuto   Provider = "auto"
	ProviderBinary Provider = "binary"
	ProviderJSON   Provider = "json"
)

// ParseProvider parses a provider name. Empty means ProviderAuto.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ProviderAuto, nil
	case ProviderAuto, ProviderBinary, ProviderJSON:
		return p, nil
	default:
		return "", errs.Validation("store.provider", "unknown provider %q (want auto, binary or json)", s)
	}
}

// legacyExtensions are rewritten to BinaryExtension when the binary
// provider is selected.
var legacyExtensions = map[string]bool{
	".db":   true,
	".dat":  true,
	".json": true,
}

// ResolvePath returns the path the given format should be stored at. A
// binary store already present under a legacy extension keeps its path.
func ResolvePath(path string, format Format) string {
	if format != FormatBinary || fsutil.IsMemoryPath(path) {
		return path
	}
	ext := filepath.Ext(path)
	if !legacyExtensions[strings.ToLower(ext)] {
		return path
	}
	if f, err := DetectFormat(path); err == nil && f == FormatBinary {
		return path
	}
	return strings.TrimSuffix(path, ext) + BinaryExtension
}

// SelectFormat resolves p for path. Auto selects JSON only when a
// plain-array JSON file already exists at path, and binary otherwise.
func SelectFormat(path string, p Provider) (Format, error) {
	switch p {
	case ProviderBinary:
		return FormatBinary, nil
	case ProviderJSON:
		return FormatJSON, nil
	case ProviderAuto, "":
	default:
		return "", errs.Validation("store.provider", "unknown provider %q", p)
	}
	if fsutil.IsMemoryPath(path) {
		return FormatBinary, nil
	}
	f, err := DetectFormat(path)
	if err != nil {
		return "", err
	}
	if f == FormatJSON {
		return FormatJSON, nil
	}
	return FormatBinary, nil
}

// Open selects a provider for path and returns an uninitialized backend.
// cfg.Path and cfg.Format are overridden by the selection.
func Open(path string, p Provider, cfg Config) (*Backend, error) {
	if err := fsutil.ValidatePath("store.open", path); err != nil {
		return nil, err
	}
	format, err := SelectFormat(path, p)
	if err != nil {
		return nil, err
	}
	cfg.Path = ResolvePath(path, format)
	cfg.Format = format
	return New(cfg)
}
