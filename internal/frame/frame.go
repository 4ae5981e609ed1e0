// Package frame implements the length-prefixed record framing used by every
// binary file in the repository.
//
// A frame is laid out as:
//
//	u32 LE body length | u32 LE CRC-32 (IEEE) of body | body
//
// Scanning is tolerant: a frame whose checksum does not match (or whose body
// the caller fails to decode) is skipped, and a trailing frame that is shorter
// than its declared length is treated as a torn write and discarded. Scanning
// never fails on bad data; it reports what it dropped.
package frame

import (
	"encoding/binary"
	"hash/crc32"
	"io"
)

// HeaderSize is the number of bytes preceding each frame body.
const HeaderSize = 8

// MaxBodySize bounds a single frame body. Larger declared lengths are treated
// as a corrupt tail.
const MaxBodySize = 1 << 28

// Encode returns the framed form of body.
func Encode(body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(body))
	copy(buf[HeaderSize:], body)
	return buf
}

// Write writes body to w as a single frame.
func Write(w io.Writer, body []byte) error {
	_, err := w.Write(Encode(body))
	return err
}

// Result summarizes a scan.
type Result struct {
	// Frames is the number of frames accepted by the callback.
	Frames int

	// Skipped counts frames dropped for a checksum mismatch or a callback error.
	Skipped int

	// Truncated is true when a torn tail was discarded.
	Truncated bool

	// ValidLen is the offset just past the last complete frame, relative to
	// the start of the scanned data.
	ValidLen int64
}

// Scan walks the frames in data, calling fn with each intact body. The body
// slice aliases data. A non-nil error from fn marks the frame as skipped.
func Scan(data []byte, fn func(body []byte) error) Result {
	var res Result
	off := 0
	for off < len(data) {
		if len(data)-off < HeaderSize {
			res.Truncated = true
			break
		}
		n := binary.LittleEndian.Uint32(data[off : off+4])
		sum := binary.LittleEndian.Uint32(data[off+4 : off+8])
		if n > MaxBodySize || int(n) > len(data)-off-HeaderSize {
			res.Truncated = true
			break
		}
		start := off + HeaderSize
		body := data[start : start+int(n)]
		off = start + int(n)
		res.ValidLen = int64(off)

		if crc32.ChecksumIEEE(body) != sum {
			res.Skipped++
			continue
		}
		if err := fn(body); err != nil {
			res.Skipped++
			continue
		}
		res.Frames++
	}
	return res
}
