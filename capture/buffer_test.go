package capture

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dreadl0ck/gopacket"
	"github.com/dreadl0ck/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
)

func TestFrameBufferFlushWritesAndClearsFrames(t *testing.T) {
	b := NewFrameBuffer()
	b.Append(Frame{Raw: []byte{1, 2, 3}, WallTimestamp: time.Now(), CaptureLength: 3, OriginalLength: 3})
	b.Append(Frame{Raw: []byte{4, 5, 6}, WallTimestamp: time.Now(), CaptureLength: 3, OriginalLength: 3})
	require.Equal(t, 2, b.Len())

	path := filepath.Join(t.TempDir(), "session.pcap")
	n, err := b.Flush(path)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 0, b.Len(), "flush must empty the buffer")

	_, err = os.Stat(path)
	require.NoError(t, err, "final path must exist after flush")
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err), "temp file must be renamed away, not left behind")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)

	data, _, err := r.ReadPacketData()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, data)
}

func TestFrameBufferFlushOfEmptyBufferIsNoop(t *testing.T) {
	b := NewFrameBuffer()
	path := filepath.Join(t.TempDir(), "empty.pcap")

	n, err := b.Flush(path)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "an empty buffer must not create a capture file")
}

func TestWriterRoundTripsOneFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one.pcap")
	w, err := NewWriter(path)
	require.NoError(t, err)

	err = w.WriteFrame(Frame{Raw: []byte{9, 9}, WallTimestamp: time.Now(), CaptureLength: 2, OriginalLength: 2})
	require.NoError(t, err)
	require.Equal(t, 1, w.Count())
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	require.Equal(t, gopacket.LinkTypeEthernet, r.LinkType())
}
