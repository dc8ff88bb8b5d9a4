// Package demuxer drives an astiav (libav*) input format context
// through an Initialize -> Service -> Down state machine, dispatching
// per-scheme options (RTSP/RTP/UDP/TCP/RTMP/file) and exposing both a
// callback and an observer registration surface for read events. It
// is grounded on pkg/framer's source.go openInput/
// readAndDecode pair and on original_source/stream_demuxer.h's
// StreamDemuxer/StreamDemuxerEvents state machine and dual observer/
// callback API.
package demuxer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/otlvideo/otl/pkg/mimer"
)

// State is the demuxer's lifecycle stage, matching
// original_source/stream_demuxer.h's State enum.
type State int

const (
	StateInitialize State = iota
	StateService
	StateDown
)

func (s State) String() string {
	switch s {
	case StateInitialize:
		return "initialize"
	case StateService:
		return "service"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// ErrUnsupportedScheme is returned by Open when a URL's scheme has no
// per-scheme default handling and isn't a bare file path.
var ErrUnsupportedScheme = errors.New("demuxer: unsupported URL scheme")

// StreamInfo summarizes one demuxed stream, mirroring the wire-facing
// StreamInfo shape pkg/framer's model package produces from an
// astiav.Stream, but using durationpb for the duration field to keep
// this package's public surface protobuf-friendly for downstream RPC
// callers without depending on gRPC itself.
type StreamInfo struct {
	Index     int
	CodecName string
	Width     int
	Height    int
	Duration  *durationpb.Duration
}

// Events is the observer interface an Observer registers to receive
// demuxer callbacks, mirroring
// original_source/stream_demuxer.h's StreamDemuxerEvents. Callback
// setters (OnOpened/OnClosed/OnReadFrame/OnReadEOF) offer the same
// events as free functions for callers that prefer closures over an
// interface implementation.
type Events interface {
	OnOpened(streams []StreamInfo)
	OnClosed()
	OnReadFrame(pkt *astiav.Packet, streamIndex int)
	OnReadEOF()
}

// Demuxer drives one input URL through Initialize/Service/Down.
type Demuxer struct {
	log zerolog.Logger

	mu    sync.Mutex
	state State

	url    string
	repeat bool

	formatCtx *astiav.FormatContext

	observer Events

	onOpened    func([]StreamInfo)
	onClosed    func()
	onReadFrame func(pkt *astiav.Packet, streamIndex int)
	onReadEOF   func()

	stop chan struct{}
	done chan struct{}
}

// New returns an unopened Demuxer.
func New(log zerolog.Logger) *Demuxer {
	return &Demuxer{
		log:   log.With().Str("pkg", "demuxer").Logger(),
		state: StateInitialize,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// SetObserver registers the interface-based event sink.
func (d *Demuxer) SetObserver(o Events) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.observer = o
}

// OnOpened/OnClosed/OnReadFrame/OnReadEOF register closure-based
// event sinks, used together with or instead of SetObserver.
func (d *Demuxer) OnOpened(fn func([]StreamInfo))                      { d.onOpened = fn }
func (d *Demuxer) OnClosed(fn func())                                  { d.onClosed = fn }
func (d *Demuxer) OnReadFrame(fn func(pkt *astiav.Packet, idx int))    { d.onReadFrame = fn }
func (d *Demuxer) OnReadEOF(fn func())                                 { d.onReadEOF = fn }

// schemeOptions returns the AVDictionary-style option pairs and the
// forced input format name (if any) for rawURL's scheme.
func schemeOptions(rawURL string) (formatName string, opts map[string]string, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Scheme == "" {
		// Bare file paths have no scheme; treat as local file input.
		return "", nil, nil
	}

	switch strings.ToLower(u.Scheme) {
	case "rtsp":
		return "rtsp", map[string]string{"rtsp_transport": "tcp", "stimeout": "5000000"}, nil
	case "rtp":
		return "rtp", nil, nil
	case "udp":
		return "mpegts", nil, nil
	case "tcp":
		return "mpegts", nil, nil
	case "rtmp":
		return "flv", nil, nil
	case "file":
		return "", nil, nil
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// Open transitions Initialize -> Service: it opens rawURL, probes
// stream info, and fires OnOpened. repeat controls whether Down loops
// back to Initialize instead of terminating on EOF.
func (d *Demuxer) Open(rawURL string, repeat bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateInitialize {
		return fmt.Errorf("demuxer: Open called in state %s", d.state)
	}

	formatName, opts, err := schemeOptions(rawURL)
	if err != nil {
		return err
	}

	var inputFormat *astiav.InputFormat
	if formatName != "" {
		inputFormat = astiav.FindInputFormat(formatName)
	} else if isLocalFile(rawURL) {
		if kind := mimer.SniffFile(rawURL); kind != "" {
			d.log.Debug().Str("mime", kind).Str("url", rawURL).Msg("sniffed local file mime type")
		}
	}

	dict := astiav.NewDictionary()
	defer dict.Free()

	for k, v := range opts {
		if setErr := dict.Set(k, v, astiav.DictionaryFlags(0)); setErr != nil {
			return fmt.Errorf("demuxer: setting option %s: %w", k, setErr)
		}
	}

	formatCtx := astiav.AllocFormatContext()

	if openErr := formatCtx.OpenInput(rawURL, inputFormat, dict); openErr != nil {
		formatCtx.Free()

		return fmt.Errorf("demuxer: open input %s: %w", rawURL, openErr)
	}

	if findErr := formatCtx.FindStreamInfo(nil); findErr != nil {
		formatCtx.CloseInput()

		return fmt.Errorf("demuxer: find stream info: %w", findErr)
	}

	d.formatCtx = formatCtx
	d.url = rawURL
	d.repeat = repeat
	d.state = StateService

	streams := d.streamInfoLocked()

	// Fire the callbacks without d.mu held so they may call back into
	// the Demuxer (e.g. Stream). The lock is taken again before the
	// deferred Unlock above runs.
	d.mu.Unlock()
	defer d.mu.Lock()

	if d.observer != nil {
		d.observer.OnOpened(streams)
	}

	if d.onOpened != nil {
		d.onOpened(streams)
	}

	return nil
}

func isLocalFile(rawURL string) bool {
	u, err := url.Parse(rawURL)

	return err != nil || u.Scheme == "" || u.Scheme == "file"
}

func (d *Demuxer) streamInfoLocked() []StreamInfo {
	streams := d.formatCtx.Streams()
	infos := make([]StreamInfo, 0, len(streams))

	for _, s := range streams {
		params := s.CodecParameters()
		infos = append(infos, StreamInfo{
			Index:     s.Index(),
			CodecName: params.CodecID().Name(),
			Width:     params.Width(),
			Height:    params.Height(),
			Duration:  durationpb.New(ptsToDuration(d.formatCtx.Duration(), astiav.TimeBaseQ)),
		})
	}

	return infos
}

// Service runs the read loop until EOF, error, or Stop, blocking the
// calling goroutine.
func (d *Demuxer) Service(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateService {
		d.mu.Unlock()

		return fmt.Errorf("demuxer: Service called in state %s", d.state)
	}
	formatCtx := d.formatCtx
	d.mu.Unlock()

	defer close(d.done)

	pkt := astiav.AllocPacket()
	defer pkt.Free()

	for {
		select {
		case <-ctx.Done():
			return d.transitionDown(ctx.Err())
		case <-d.stop:
			d.mu.Lock()
			d.repeat = false // a requested stop never re-opens the input
			d.mu.Unlock()

			return d.transitionDown(nil)
		default:
		}

		if err := formatCtx.ReadFrame(pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				if d.onReadEOF != nil {
					d.onReadEOF()
				}

				if d.observer != nil {
					d.observer.OnReadEOF()
				}

				if downErr := d.transitionDown(nil); downErr != nil || d.State() != StateService {
					return downErr
				}

				// repeat re-opened the input: keep reading from it.
				d.mu.Lock()
				formatCtx = d.formatCtx
				d.mu.Unlock()

				continue
			}

			return d.transitionDown(err)
		}

		if d.onReadFrame != nil {
			d.onReadFrame(pkt, pkt.StreamIndex())
		}

		if d.observer != nil {
			d.observer.OnReadFrame(pkt, pkt.StreamIndex())
		}

		pkt.Unref()
	}
}

// transitionDown moves Service -> Down, closes the input, fires
// OnClosed, and re-opens if repeat is set. It returns cause unless a
// repeat re-open transparently recovers.
func (d *Demuxer) transitionDown(cause error) error {
	d.mu.Lock()
	d.state = StateDown

	if d.formatCtx != nil {
		d.formatCtx.CloseInput()
		d.formatCtx.Free()
		d.formatCtx = nil
	}

	repeat := d.repeat
	rawURL := d.url
	d.mu.Unlock()

	if d.onClosed != nil {
		d.onClosed()
	}

	if d.observer != nil {
		d.observer.OnClosed()
	}

	if repeat && cause == nil {
		d.mu.Lock()
		d.state = StateInitialize
		d.mu.Unlock()

		return d.Open(rawURL, repeat)
	}

	return cause
}

// Close requests Service to stop and waits for it to finish.
func (d *Demuxer) Close() {
	close(d.stop)
	<-d.done
}

// State returns the current lifecycle stage.
func (d *Demuxer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

// Stream returns the underlying astiav.Stream at index, or nil if the
// demuxer isn't open or the index is out of range. Callers use this to
// construct a decoder for a stream reported by OnOpened.
func (d *Demuxer) Stream(index int) *astiav.Stream {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.formatCtx == nil {
		return nil
	}

	for _, s := range d.formatCtx.Streams() {
		if s.Index() == index {
			return s
		}
	}

	return nil
}

// ptsToDuration converts a PTS value in the given time base to a
// time.Duration, mirroring pkg/framer/util.go's helper of
// the same purpose.
func ptsToDuration(pts int64, timeBase astiav.Rational) time.Duration {
	seconds := float64(pts) * float64(timeBase.Num()) / float64(timeBase.Den())

	return time.Duration(seconds * float64(time.Second))
}
