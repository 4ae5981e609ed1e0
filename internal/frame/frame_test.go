package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(data []byte) ([]string, Result) {
	var got []string
	res := Scan(data, func(body []byte) error {
		got = append(got, string(body))
		return nil
	})
	return got, res
}

func TestScanRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, s := range []string{"alpha", "", "gamma"} {
		require.NoError(t, Write(&buf, []byte(s)))
	}

	got, res := collect(buf.Bytes())
	assert.Equal(t, []string{"alpha", "", "gamma"}, got)
	assert.Equal(t, 3, res.Frames)
	assert.False(t, res.Truncated)
	assert.EqualValues(t, buf.Len(), res.ValidLen)
}

func TestScanTruncatedTail(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []byte("complete")))
	valid := buf.Len()

	// Declared length larger than the bytes actually present.
	hdr := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], 100)
	buf.Write(hdr)
	buf.WriteString("partial")

	got, res := collect(buf.Bytes())
	assert.Equal(t, []string{"complete"}, got)
	assert.True(t, res.Truncated)
	assert.EqualValues(t, valid, res.ValidLen)
}

func TestScanShortHeader(t *testing.T) {
	data := append(Encode([]byte("x")), 0x01, 0x02)

	got, res := collect(data)
	assert.Equal(t, []string{"x"}, got)
	assert.True(t, res.Truncated)
}

func TestScanSkipsBadChecksumAndCallbackErrors(t *testing.T) {
	bad := Encode([]byte("corrupt"))
	bad[len(bad)-1] ^= 0xFF

	var data []byte
	data = append(data, Encode([]byte("one"))...)
	data = append(data, bad...)
	data = append(data, Encode([]byte("reject"))...)
	data = append(data, Encode([]byte("two"))...)

	var got []string
	res := Scan(data, func(body []byte) error {
		if string(body) == "reject" {
			return errors.New("unparseable")
		}
		got = append(got, string(body))
		return nil
	})

	assert.Equal(t, []string{"one", "two"}, got)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 2, res.Frames)
	assert.False(t, res.Truncated)
	assert.EqualValues(t, len(data), res.ValidLen)
}
