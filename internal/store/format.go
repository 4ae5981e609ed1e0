package store

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/rcliao/agentdb/internal/errs"
	"github.com/rcliao/agentdb/internal/frame"
	"github.com/rcliao/agentdb/internal/model"
	"github.com/rcliao/agentdb/internal/vectorindex"
)

// Format identifies an on-disk store encoding.
type Format string

const (
	// FormatNone means no file exists at the path.
	FormatNone Format = "none"
	// FormatUnknown means a file exists but is not a recognized store.
	FormatUnknown Format = "unknown"
	// FormatJSON is a plain JSON array of entries.
	FormatJSON Format = "json"
	// FormatBinary is the native framed binary format.
	FormatBinary Format = "binary"
)

// BinaryExtension is the canonical file extension of the binary format.
const BinaryExtension = ".amdb"

// Binary file layout:
//
//	magic "AMDB" | u16 version | u16 metric code | u32 dimensions |
//	u32 entry count | i64 saved-at unix nanos | frames...
//
// Each frame body is: u32 JSON length | entry JSON without embedding |
// u32 float count | float32 LE values.
var binaryMagic = [4]byte{'A', 'M', 'D', 'B'}

const (
	binaryVersion    = 1
	binaryHeaderSize = 24
)

type binaryHeader struct {
	version    uint16
	metric     vectorindex.Metric
	dimensions uint32
	count      uint32
	savedAt    time.Time
}

type frameStats struct {
	skipped   int
	truncated bool
}

func encodeBinary(hdr binaryHeader, entries []*model.Entry) ([]byte, error) {
	var buf bytes.Buffer
	head := make([]byte, binaryHeaderSize)
	copy(head[0:4], binaryMagic[:])
	binary.LittleEndian.PutUint16(head[4:6], hdr.version)
	binary.LittleEndian.PutUint16(head[6:8], hdr.metric.Code())
	binary.LittleEndian.PutUint32(head[8:12], hdr.dimensions)
	binary.LittleEndian.PutUint32(head[12:16], uint32(len(entries)))
	binary.LittleEndian.PutUint64(head[16:24], uint64(hdr.savedAt.UnixNano()))
	buf.Write(head)

	for _, e := range entries {
		body, err := encodeEntry(e)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		if err := frame.Write(&buf, body); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeEntry(e *model.Entry) ([]byte, error) {
	meta := *e
	meta.Embedding = nil
	js, err := json.Marshal(&meta)
	if err != nil {
		return nil, err
	}

	body := make([]byte, 4+len(js)+4+4*len(e.Embedding))
	binary.LittleEndian.PutUint32(body[0:4], uint32(len(js)))
	copy(body[4:], js)
	off := 4 + len(js)
	binary.LittleEndian.PutUint32(body[off:off+4], uint32(len(e.Embedding)))
	off += 4
	for _, f := range e.Embedding {
		binary.LittleEndian.PutUint32(body[off:off+4], math.Float32bits(f))
		off += 4
	}
	return body, nil
}

var errShortBody = errors.New("entry body too short")

func decodeEntry(body []byte) (*model.Entry, error) {
	if len(body) < 4 {
		return nil, errShortBody
	}
	n := int(binary.LittleEndian.Uint32(body[0:4]))
	if len(body) < 4+n+4 {
		return nil, errShortBody
	}
	var e model.Entry
	if err := json.Unmarshal(body[4:4+n], &e); err != nil {
		return nil, err
	}
	off := 4 + n
	count := int(binary.LittleEndian.Uint32(body[off : off+4]))
	off += 4
	if len(body)-off != 4*count {
		return nil, fmt.Errorf("embedding length %d does not match body", count)
	}
	if count > 0 {
		e.Embedding = make([]float32, count)
		for i := range e.Embedding {
			e.Embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[off : off+4]))
			off += 4
		}
	}
	if e.ID == "" {
		return nil, errors.New("entry without id")
	}
	return &e, nil
}

func decodeBinary(data []byte) (binaryHeader, []*model.Entry, frameStats, error) {
	var hdr binaryHeader
	if len(data) < binaryHeaderSize || !bytes.Equal(data[0:4], binaryMagic[:]) {
		return hdr, nil, frameStats{}, errs.Corruption("store.decode", errors.New("missing binary store header"))
	}
	hdr.version = binary.LittleEndian.Uint16(data[4:6])
	if hdr.version != binaryVersion {
		return hdr, nil, frameStats{}, errs.Corruption("store.decode", fmt.Errorf("unsupported version %d", hdr.version))
	}
	m, err := vectorindex.MetricFromCode(binary.LittleEndian.Uint16(data[6:8]))
	if err != nil {
		return hdr, nil, frameStats{}, errs.Corruption("store.decode", err)
	}
	hdr.metric = m
	hdr.dimensions = binary.LittleEndian.Uint32(data[8:12])
	hdr.count = binary.LittleEndian.Uint32(data[12:16])
	hdr.savedAt = time.Unix(0, int64(binary.LittleEndian.Uint64(data[16:24]))).UTC()

	entries := make([]*model.Entry, 0, hdr.count)
	res := frame.Scan(data[binaryHeaderSize:], func(body []byte) error {
		e, err := decodeEntry(body)
		if err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	return hdr, entries, frameStats{skipped: res.Skipped, truncated: res.Truncated}, nil
}

func encodeJSON(entries []*model.Entry) ([]byte, error) {
	if entries == nil {
		entries = []*model.Entry{}
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// decodeJSON parses a plain-array file and reports the embedding dimension of
// the first entry that has one.
func decodeJSON(data []byte) ([]*model.Entry, int, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, 0, nil
	}
	var entries []*model.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, 0, errs.Corruption("store.decode", err)
	}
	dims := 0
	out := entries[:0]
	for _, e := range entries {
		if e == nil || e.ID == "" {
			continue
		}
		if dims == 0 && len(e.Embedding) > 0 {
			dims = len(e.Embedding)
		}
		out = append(out, e)
	}
	return out, dims, nil
}

// sortForExport orders entries by namespace, key and id.
func sortForExport(entries []*model.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Namespace != b.Namespace {
			return a.Namespace < b.Namespace
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.ID < b.ID
	})
}

// DetectFormat classifies the file at path by existence and header bytes.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return FormatNone, nil
	}
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	head, err := r.Peek(len(binaryMagic))
	if err == nil && bytes.Equal(head, binaryMagic[:]) {
		return FormatBinary, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return FormatUnknown, err
	}

	// Skip a UTF-8 BOM and leading whitespace before looking for '['.
	if bom, _ := r.Peek(3); bytes.Equal(bom, []byte{0xEF, 0xBB, 0xBF}) {
		r.Discard(3)
	}
	for {
		c, err := r.ReadByte()
		if err != nil {
			return FormatUnknown, nil
		}
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return FormatJSON, nil
		default:
			return FormatUnknown, nil
		}
	}
}
