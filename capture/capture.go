// Package capture implements the Packet Source (§4.A): a live
// interface sniff, or an offline read of a pcap capture file, both
// behind one Source interface that yields uniform timestamped frames.
package capture

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dreadl0ck/gopacket"
	"github.com/dreadl0ck/gopacket/pcap"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Error kinds per §7: Configuration and Permission are fatal at
// startup; Transient is surfaced as capture_error and halts the source.
var (
	ErrInterfaceNotFound = errors.New("capture: interface not found")
	ErrPermissionDenied  = errors.New("capture: permission denied opening device")
)

// Frame is the uniform record emitted by any Source (§4.A).
type Frame struct {
	Raw            []byte
	WallTimestamp  time.Time
	CaptureLength  int
	OriginalLength int
}

// Source yields frames until Close or context cancellation. Live
// sources support Pause/Resume without losing the underlying handle;
// offline sources keep reading the file while paused and discard the
// frames read in that time.
type Source interface {
	Frames(ctx context.Context) (<-chan Frame, <-chan error)
	Pause()
	Resume()
	Close() error
}

// Config configures a live interface capture, mirroring the
// inactive-handle sequence used by the wider pack's capture engines
// (SnapLen/Promiscuous/Timeout/BufferSize set before Activate).
type Config struct {
	Interface   string
	SnapLen     int32
	Promiscuous bool
	Timeout     time.Duration
	BufferSize  int // MB
	BPFFilter   string
}

// DefaultConfig returns sane defaults for the named interface.
func DefaultConfig(iface string) *Config {
	return &Config{
		Interface:   iface,
		SnapLen:     65535,
		Promiscuous: true,
		Timeout:     pcap.BlockForever,
		BufferSize:  32,
	}
}

// ListInterfaces enumerates capturable interfaces (§12 supplement).
func ListInterfaces() ([]string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate interfaces")
	}
	names := make([]string, 0, len(devs))
	for _, d := range devs {
		names = append(names, d.Name)
	}
	return names, nil
}

// liveSource wraps a pcap.Handle for an interface-based capture.
type liveSource struct {
	cfg    *Config
	handle *pcap.Handle
	log    *zap.Logger
	paused atomic.Bool
}

// NewLive validates the interface and opens it, returning §7's fatal
// error kinds on failure so the caller can halt startup.
func NewLive(cfg *Config, log *zap.Logger) (Source, error) {
	if cfg == nil {
		return nil, errors.New("capture: nil config")
	}

	found := false
	devs, err := pcap.FindAllDevs()
	if err == nil {
		for _, d := range devs {
			if d.Name == cfg.Interface {
				found = true
				break
			}
		}
	}
	if !found {
		return nil, errors.Wrapf(ErrInterfaceNotFound, "interface %q", cfg.Interface)
	}

	inactive, err := pcap.NewInactiveHandle(cfg.Interface)
	if err != nil {
		if isPermissionErr(err) {
			return nil, errors.Wrap(ErrPermissionDenied, err.Error())
		}
		return nil, errors.Wrap(err, "create inactive handle")
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(int(cfg.SnapLen)); err != nil {
		return nil, errors.Wrap(err, "set snaplen")
	}
	if err := inactive.SetPromisc(cfg.Promiscuous); err != nil {
		return nil, errors.Wrap(err, "set promiscuous mode")
	}
	if err := inactive.SetTimeout(cfg.Timeout); err != nil {
		return nil, errors.Wrap(err, "set timeout")
	}
	if cfg.BufferSize > 0 {
		if err := inactive.SetBufferSize(cfg.BufferSize * 1024 * 1024); err != nil {
			log.Warn("failed to set kernel buffer size", zap.Error(err))
		}
	}

	handle, err := inactive.Activate()
	if err != nil {
		if isPermissionErr(err) {
			return nil, errors.Wrap(ErrPermissionDenied, err.Error())
		}
		return nil, errors.Wrap(err, "activate handle")
	}

	if cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.BPFFilter); err != nil {
			handle.Close()
			return nil, errors.Wrap(err, "set BPF filter")
		}
	}

	return &liveSource{cfg: cfg, handle: handle, log: log}, nil
}

func isPermissionErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "permission")
}

// Frames starts the packet loop. Paused state discards inbound frames
// without buffering, per §4.A. A handle read error after activation is
// reported on the error channel and the loop exits, leaving aggregated
// state untouched (§7 Transient Capture).
func (s *liveSource) Frames(ctx context.Context) (<-chan Frame, <-chan error) {
	out := make(chan Frame, 256)
	errs := make(chan error, 1)

	source := gopacket.NewPacketSource(s.handle, s.handle.LinkType())

	go func() {
		defer close(out)
		defer close(errs)

		packets := source.Packets()
		for {
			select {
			case <-ctx.Done():
				return
			case pkt, ok := <-packets:
				if !ok {
					errs <- errors.New("capture_error: interface disappeared")
					return
				}
				if s.paused.Load() {
					continue
				}
				md := pkt.Metadata()
				out <- Frame{
					Raw:            append([]byte(nil), pkt.Data()...),
					WallTimestamp:  md.Timestamp,
					CaptureLength:  md.CaptureLength,
					OriginalLength: md.Length,
				}
			}
		}
	}()

	return out, errs
}

func (s *liveSource) Pause()  { s.paused.Store(true) }
func (s *liveSource) Resume() { s.paused.Store(false) }

func (s *liveSource) Close() error {
	s.handle.Close()
	return nil
}
