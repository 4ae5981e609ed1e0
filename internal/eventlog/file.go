package eventlog

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/rcliao/agentdb/internal/frame"
	"github.com/rcliao/agentdb/internal/fsutil"
)

// framedFile is an append-only file of frames behind a magic header.
type framedFile struct {
	path  string
	f     *os.File
	size  int64
	fsync bool
}

// openFramed scans path, passing every intact frame body to fn, repairs the
// file so it ends on a frame boundary and opens it for appending. The
// returned Recovery is nil when nothing had to be dropped.
func openFramed(path string, magic []byte, fsync bool, fn func(body []byte) error) (*framedFile, *Recovery, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}

	rec := &Recovery{File: path}
	valid := int64(len(data))
	switch {
	case len(data) == 0:
		if err := fsutil.WriteFileAtomic(path, magic, 0o644); err != nil {
			return nil, nil, err
		}
		valid = int64(len(magic))
	case len(data) < len(magic) && bytes.HasPrefix(magic, data):
		// Crashed while writing the header of a new file.
		rec.TruncatedBytes = int64(len(data))
		if err := fsutil.WriteFileAtomic(path, magic, 0o644); err != nil {
			return nil, nil, err
		}
		valid = int64(len(magic))
	case !bytes.HasPrefix(data, magic):
		moved := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixNano())
		if err := os.Rename(path, moved); err != nil {
			return nil, nil, fmt.Errorf("move aside %s: %w", path, err)
		}
		rec.MovedTo = moved
		if err := fsutil.WriteFileAtomic(path, magic, 0o644); err != nil {
			return nil, nil, err
		}
		valid = int64(len(magic))
	default:
		res := frame.Scan(data[len(magic):], fn)
		rec.SkippedFrames = res.Skipped
		valid = int64(len(magic)) + res.ValidLen
		if valid < int64(len(data)) {
			// A tail longer than a frame header may hide intact frames
			// behind a damaged length, so keep a copy before cutting it.
			if tail := data[valid:]; len(tail) > frame.HeaderSize {
				saved, err := fsutil.SaveCorrupt(path, tail)
				if err != nil {
					return nil, nil, fmt.Errorf("save damaged tail of %s: %w", path, err)
				}
				rec.TailSavedTo = saved
			}
			if err := os.Truncate(path, valid); err != nil {
				return nil, nil, fmt.Errorf("truncate torn tail of %s: %w", path, err)
			}
			rec.TruncatedBytes = int64(len(data)) - valid
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	ff := &framedFile{path: path, f: f, size: valid, fsync: fsync}
	if rec.SkippedFrames == 0 && rec.TruncatedBytes == 0 && rec.MovedTo == "" {
		rec = nil
	}
	return ff, rec, nil
}

// append writes body as one frame. On failure the file is cut back to its
// previous length so the next append starts on a frame boundary.
func (ff *framedFile) append(body []byte) error {
	buf := frame.Encode(body)
	if _, err := ff.f.Write(buf); err != nil {
		_ = ff.f.Truncate(ff.size)
		return err
	}
	if ff.fsync {
		if err := ff.f.Sync(); err != nil {
			_ = ff.f.Truncate(ff.size)
			return err
		}
	}
	ff.size += int64(len(buf))
	return nil
}

func (ff *framedFile) close() error {
	if ff == nil || ff.f == nil {
		return nil
	}
	err := ff.f.Close()
	ff.f = nil
	return err
}
