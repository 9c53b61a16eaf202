package netconf

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tunnelcore/limits"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	first := Dictionary{"type": TypeRequest, "requestId": "1"}
	second := Dictionary{"type": TypeResponse, "error": ErrorNotFound}
	require.NoError(t, fw.WriteFrame(first))
	require.NoError(t, fw.WriteFrame(second))

	body := first.String()
	assert.Equal(t, uint32(len(body)), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(first, got); diff != "" {
		t.Errorf("first frame (-want +got):\n%s", diff)
	}
	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(second, got); diff != "" {
		t.Errorf("second frame (-want +got):\n%s", diff)
	}

	_, err = ReadFrame(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestReadFrame_Truncated(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 10, 'a', '='}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrame_RejectsOversizeAndEmpty(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], limits.MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(hdr[:]))
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	assert.ErrorIs(t, err, limits.ErrMessageEmpty)
}

func TestWriteFrame_RejectsOversize(t *testing.T) {
	fw := NewFrameWriter(io.Discard)
	err := fw.WriteFrame(Dictionary{"big": strings.Repeat("x", limits.MaxFrameSize)})
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)
}

func TestWriteFrame_ConcurrentWritersDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := Dictionary{"payload": strings.Repeat(string(rune('a'+i)), 4096)}
			assert.NoError(t, fw.WriteFrame(d))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 16; i++ {
		d, err := ReadFrame(&buf)
		require.NoError(t, err)
		p := d.Get("payload")
		require.Len(t, p, 4096)
		assert.Equal(t, strings.Repeat(p[:1], 4096), p)
	}
}
