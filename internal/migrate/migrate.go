// Package migrate converts memory stores between the plain JSON array
// format and the binary format.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/rcliao/agentdb/internal/errs"
	"github.com/rcliao/agentdb/internal/model"
	"github.com/rcliao/agentdb/internal/store"
)

// DefaultBatchSize is the number of entries inserted per batch.
const DefaultBatchSize = 500

// Progress is reported after every batch.
type Progress struct {
	// Processed is the number of entries written so far.
	Processed int `json:"processed"`
	// BytesRead and TotalBytes measure how far into the source file the
	// decoder is. TotalBytes is zero when the size is unknown.
	BytesRead  int64 `json:"bytes_read"`
	TotalBytes int64 `json:"total_bytes"`
}

// Options configures a conversion.
type Options struct {
	BatchSize  int
	OnProgress func(Progress)
	// Dimensions fixes the destination embedding length. Zero infers it
	// from the first entry with an embedding.
	Dimensions int
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Result describes a finished conversion.
type Result struct {
	// Path is the destination actually written. Binary destinations may
	// have their extension rewritten.
	Path    string       `json:"path"`
	Format  store.Format `json:"format"`
	Entries int          `json:"entries"`
	Batches int          `json:"batches"`
}

// DetectFormat classifies the file at path.
func DetectFormat(path string) (store.Format, error) {
	return store.DetectFormat(path)
}

// FromJSONFile streams the JSON array at src into a binary store at dst.
// Entries already in dst are kept unless an imported entry has the same id.
// When the conversion fails dst is left as it was.
func FromJSONFile(ctx context.Context, src, dst string, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	f, err := os.Open(src)
	if err != nil {
		return nil, errs.IO("migrate.from_json", err)
	}
	defer f.Close()
	var total int64
	if info, err := f.Stat(); err == nil {
		total = info.Size()
	}

	dec := json.NewDecoder(f)
	if err := expectDelim(dec, '['); err != nil {
		return nil, errs.Corruption("migrate.from_json", err)
	}

	backend, err := openDestination(ctx, dst, store.ProviderBinary, opts.Dimensions, opts.Logger)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			backend.Discard()
		}
	}()
	res := &Result{Path: backend.Path(), Format: store.FormatBinary}

	batch := make([]*model.Entry, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := backend.BulkInsert(ctx, batch)
		res.Entries += n
		if err != nil {
			return fmt.Errorf("batch %d: %w", res.Batches+1, err)
		}
		res.Batches++
		if opts.OnProgress != nil {
			opts.OnProgress(Progress{Processed: res.Entries, BytesRead: dec.InputOffset(), TotalBytes: total})
		}
		batch = batch[:0]
		return nil
	}

	for dec.More() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var e model.Entry
		if err := dec.Decode(&e); err != nil {
			return res, errs.Corruption("migrate.from_json", fmt.Errorf("entry %d: %w", res.Entries+len(batch), err))
		}
		batch = append(batch, &e)
		if len(batch) >= opts.BatchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := expectDelim(dec, ']'); err != nil {
		return res, errs.Corruption("migrate.from_json", err)
	}
	if err := flush(); err != nil {
		return res, err
	}

	committed = true
	if err := backend.Shutdown(ctx); err != nil {
		return res, err
	}
	opts.Logger.Info("migrated json to binary", "src", src, "dst", res.Path, "entries", res.Entries, "batches", res.Batches)
	return res, nil
}

// ToJSONFile writes every entry of the store at src to a JSON array at dst.
func ToJSONFile(ctx context.Context, src, dst string, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	source, err := openSource(ctx, src)
	if err != nil {
		return nil, err
	}
	defer source.Discard()

	entries, err := source.ExportAll(ctx, "")
	if err != nil {
		return nil, err
	}

	dest, err := openDestination(ctx, dst, store.ProviderJSON, source.Dimensions(), opts.Logger)
	if err != nil {
		return nil, err
	}
	res := &Result{Path: dest.Path(), Format: store.FormatJSON}

	for start := 0; start < len(entries); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(entries))
		n, err := dest.BulkInsert(ctx, entries[start:end])
		res.Entries += n
		if err != nil {
			dest.Discard()
			return res, fmt.Errorf("batch %d: %w", res.Batches+1, err)
		}
		res.Batches++
		if opts.OnProgress != nil {
			opts.OnProgress(Progress{Processed: res.Entries})
		}
	}
	if err := dest.Shutdown(ctx); err != nil {
		return res, err
	}
	opts.Logger.Info("migrated binary to json", "src", src, "dst", res.Path, "entries", res.Entries)
	return res, nil
}

// AutoMigrate detects the format of src and converts it to the other one.
func AutoMigrate(ctx context.Context, src, dst string, opts Options) (*Result, error) {
	format, err := DetectFormat(src)
	if err != nil {
		return nil, errs.IO("migrate.auto", err)
	}
	switch format {
	case store.FormatJSON:
		return FromJSONFile(ctx, src, dst, opts)
	case store.FormatBinary:
		return ToJSONFile(ctx, src, dst, opts)
	case store.FormatNone:
		return nil, errs.Validation("migrate.auto", "source %s does not exist", src)
	default:
		return nil, errs.Validation("migrate.auto", "source %s is not a memory store", src)
	}
}

func openSource(ctx context.Context, src string) (*store.Backend, error) {
	format, err := DetectFormat(src)
	if err != nil {
		return nil, errs.IO("migrate.open_source", err)
	}
	switch format {
	case store.FormatJSON, store.FormatBinary:
	case store.FormatNone:
		return nil, errs.Validation("migrate.open_source", "source %s does not exist", src)
	default:
		return nil, errs.Validation("migrate.open_source", "source %s is not a memory store", src)
	}
	b, err := store.New(store.Config{Path: src, Format: format})
	if err != nil {
		return nil, err
	}
	if err := b.Initialize(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// openDestination opens dst with provider p. When dims is zero the store
// adopts the length of the first embedding it receives.
func openDestination(ctx context.Context, dst string, p store.Provider, dims int, log *slog.Logger) (*store.Backend, error) {
	b, err := store.Open(dst, p, store.Config{Dimensions: dims, Logger: log})
	if err != nil {
		return nil, err
	}
	if err := b.Initialize(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("expected %q, got end of input", want)
	}
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
