package capture

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dreadl0ck/gopacket"
	"github.com/dreadl0ck/gopacket/pcapgo"
	"github.com/pkg/errors"
)

// ErrReplayFileNotFound is the Configuration-kind error for a missing
// offline capture file (§7).
var ErrReplayFileNotFound = errors.New("capture: replay file not found")

// offlineSource reads a pcap file and preserves original packet
// timestamps rather than wall time, per §4.A.
type offlineSource struct {
	path   string
	paused atomic.Bool
}

// NewOffline checks that path exists; the file itself is opened only
// when Frames is called.
func NewOffline(path string) (Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(ErrReplayFileNotFound, "%s", path)
	}
	return &offlineSource{path: path}, nil
}

func (s *offlineSource) Frames(ctx context.Context) (<-chan Frame, <-chan error) {
	out := make(chan Frame, 256)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		f, err := os.Open(s.path)
		if err != nil {
			errs <- errors.Wrap(err, "open capture file")
			return
		}
		defer f.Close()

		r, err := pcapgo.NewReader(f)
		if err != nil {
			errs <- errors.Wrap(err, "parse pcap header")
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			data, ci, err := r.ReadPacketData()
			if err == io.EOF {
				return
			}
			if err != nil {
				errs <- errors.Wrap(err, "read packet")
				return
			}
			if s.paused.Load() {
				continue
			}
			out <- Frame{
				Raw:            append([]byte(nil), data...),
				WallTimestamp:  ci.Timestamp,
				CaptureLength:  ci.CaptureLength,
				OriginalLength: ci.Length,
			}
		}
	}()

	return out, errs
}

func (s *offlineSource) Pause()  { s.paused.Store(true) }
func (s *offlineSource) Resume() { s.paused.Store(false) }
func (s *offlineSource) Close() error { return nil }

// Writer writes frames to a pcap file using the §6 capture file
// format: little-endian, version 2.4, snaplen 65535, Ethernet link layer.
type Writer struct {
	f *os.File
	w *pcapgo.Writer
	n int
}

// NewWriter creates (or truncates) path and writes the pcap header.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create capture file")
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, gopacket.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "write pcap header")
	}
	return &Writer{f: f, w: w}, nil
}

// WriteFrame appends one frame.
func (w *Writer) WriteFrame(fr Frame) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     fr.WallTimestamp,
		CaptureLength: fr.CaptureLength,
		Length:        fr.OriginalLength,
	}
	if err := w.w.WritePacket(ci, fr.Raw); err != nil {
		return errors.Wrap(err, "write packet record")
	}
	w.n++
	return nil
}

// Count returns the number of frames written so far.
func (w *Writer) Count() int { return w.n }

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	return w.f.Close()
}

// FrameBuffer accumulates raw frames in memory for the lifetime of a
// capture session so save_and_restart_capture (§4.J) can flush them to
// a fresh pcap file without holding a file handle open for the whole
// run. Guarded by its own mutex since the pipeline's Run loop appends
// while save_and_restart_capture flushes from another goroutine.
type FrameBuffer struct {
	mu     sync.Mutex
	frames []Frame
}

// NewFrameBuffer constructs an empty buffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// Append records one frame.
func (b *FrameBuffer) Append(fr Frame) {
	b.mu.Lock()
	b.frames = append(b.frames, fr)
	b.mu.Unlock()
}

// Len returns the number of frames currently buffered.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Flush writes every buffered frame to path atomically
// (write-temp-then-rename, per §6) and empties the buffer, returning
// the number of frames written. The buffer is detached from its lock
// before the write so new frames can accumulate for the next session
// while this one is still being flushed to disk.
func (b *FrameBuffer) Flush(path string) (int, error) {
	b.mu.Lock()
	frames := b.frames
	b.frames = nil
	b.mu.Unlock()

	if len(frames) == 0 {
		return 0, nil
	}

	tmp := path + ".tmp"
	w, err := NewWriter(tmp)
	if err != nil {
		return 0, err
	}
	for _, fr := range frames {
		if err := w.WriteFrame(fr); err != nil {
			w.Close()
			os.Remove(tmp)
			return 0, err
		}
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return 0, errors.Wrap(err, "close temp capture file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, errors.Wrap(err, "rename temp capture file")
	}
	return len(frames), nil
}
