// Package smoother rewrites an encoder's packet timestamps into a
// strictly increasing PTS==DTS sequence suitable for an interleaved
// muxer write, and drives the output muxer's open/write/close
// lifecycle. It is grounded on original_source/stream_pusher.h's
// FfmpegOutputer state machine (Init/Service/Down, URL-scheme format
// dispatch, drain-before-trailer close) generalized with the
// wrap-detection and exponential-smoothing algorithm this package
// implements, and on pkg/framer's state-machine idiom as applied to
// this module's demuxer.go for the Init/Service/Down loop shape.
package smoother

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/rs/zerolog"
)

// Preset bundles the three tunables the smoothing algorithm needs.
type Preset struct {
	Alpha        float64
	MaxJump      int64
	MinIncrement int64
}

// Named presets, matching the source's four output profiles.
var (
	Conservative = Preset{Alpha: 0.05, MaxJump: 180000, MinIncrement: 1000}
	Default      = Preset{Alpha: 0.10, MaxJump: 90000, MinIncrement: 3000}
	Looping      = Preset{Alpha: 0.10, MaxJump: 45000, MinIncrement: 2000}
	Aggressive   = Preset{Alpha: 0.30, MaxJump: 30000, MinIncrement: 3000}
)

const historyLimit = 10

// Smoother tracks the running state needed to rewrite one packet
// stream's timestamps. It is not safe for concurrent use; a Pusher
// owns exactly one and calls Push from its single writer goroutine.
type Smoother struct {
	preset Preset

	haveBase bool
	base     int64
	offset   int64

	haveOutput bool
	lastOutput int64

	history []int64

	total     int
	corrected int
}

// New returns a Smoother configured with preset.
func New(preset Preset) *Smoother {
	return &Smoother{preset: preset}
}

// Push feeds one packet's input timestamp (ignored when unknown is
// true) and returns the output PTS/DTS value to stamp it with.
func (s *Smoother) Push(inputPTS int64, unknown bool) int64 {
	s.total++

	if unknown {
		var out int64
		if !s.haveOutput {
			out = 0
		} else {
			out = s.lastOutput + s.preset.MinIncrement
			s.corrected++
		}

		s.record(out)

		return out
	}

	if !s.haveBase {
		s.base = inputPTS
		s.offset = 0
		s.haveBase = true
	}

	lastSeen := s.base
	if n := len(s.history); n > 0 {
		lastSeen = s.history[n-1]
	}

	if diff := inputPTS - lastSeen; diff < -s.preset.MaxJump || diff > 2*s.preset.MaxJump {
		s.offset = s.lastOutput + s.preset.MinIncrement
		s.base = inputPTS
		s.corrected++
	}

	relative := inputPTS - s.base + s.offset

	if s.haveOutput {
		switch {
		case relative <= s.lastOutput:
			relative = s.lastOutput + s.preset.MinIncrement
			s.corrected++
		case relative-s.lastOutput > s.preset.MaxJump:
			relative = s.lastOutput + s.smooth(relative-s.lastOutput)
			s.corrected++
		}
	}

	s.record(relative)

	return relative
}

func (s *Smoother) record(v int64) {
	s.lastOutput = v
	s.haveOutput = true
	s.history = append(s.history, v)

	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
}

func (s *Smoother) smooth(rawInc int64) int64 {
	avgInc := float64(s.preset.MinIncrement)

	if n := len(s.history); n >= 2 {
		var sum float64

		for i := 1; i < n; i++ {
			sum += float64(s.history[i] - s.history[i-1])
		}

		avgInc = sum / float64(n-1)
	}

	out := math.Round(s.preset.Alpha*float64(rawInc) + (1-s.preset.Alpha)*avgInc)
	if out < float64(s.preset.MinIncrement) {
		out = float64(s.preset.MinIncrement)
	}

	return int64(out)
}

// Stats reports the total packets processed and how many required
// correction (unknown PTS, wrap, backward jump, or forward smoothing).
func (s *Smoother) Stats() (total, corrected int) {
	return s.total, s.corrected
}

// Reset clears all running state, as if the Smoother were newly
// constructed with the same preset. Callers use this across a repeat
// loop boundary so a fresh recording doesn't inherit the prior one's
// base/offset.
func (s *Smoother) Reset() {
	*s = Smoother{preset: s.preset}
}

// pusherState mirrors FfmpegOutputer's Init/Service/Down cycle.
type pusherState int

const (
	stateInit pusherState = iota
	stateService
	stateDown
)

// ErrUnsupportedScheme is returned when Open is given a URL scheme the
// pusher has no format mapping for.
var ErrUnsupportedScheme = errors.New("smoother: unsupported output url scheme")

// Pusher drives one output muxer: a dedicated goroutine pulls queued
// packets, runs them through a Smoother, and writes them
// interleaved to the destination.
type Pusher struct {
	log zerolog.Logger

	formatCtx *astiav.FormatContext
	url       string

	smoother *Smoother

	pending chan *astiav.Packet
	stop    chan struct{}
	done    chan struct{}

	state pusherState

	onError func(error)
}

// NewPusher allocates a Pusher with the given output-timestamp preset and
// pending-packet queue depth.
func NewPusher(log zerolog.Logger, preset Preset, queueDepth int) *Pusher {
	return &Pusher{
		log:      log.With().Str("pkg", "smoother").Logger(),
		smoother: New(preset),
		pending:  make(chan *astiav.Packet, queueDepth),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// OnError registers a callback invoked when a write fails.
func (p *Pusher) OnError(fn func(error)) { p.onError = fn }

// formatNameForURL resolves an output format name from a URL scheme,
// mirroring FfmpegOutputer::openOutputStream's dispatch table.
func formatNameForURL(rawURL string, videoCodec astiav.CodecID) (string, error) {
	switch {
	case strings.HasPrefix(rawURL, "rtsp://"):
		return "rtsp", nil
	case strings.HasPrefix(rawURL, "udp://"), strings.HasPrefix(rawURL, "tcp://"):
		switch videoCodec {
		case astiav.CodecIDH264:
			return "h264", nil
		case astiav.CodecIDHevc:
			return "hevc", nil
		default:
			return "rawvideo", nil
		}
	case strings.HasPrefix(rawURL, "rtp://"):
		return "rtp", nil
	case strings.HasPrefix(rawURL, "rtmp://"):
		return "flv", nil
	case strings.HasPrefix(rawURL, "file://"), !strings.Contains(rawURL, "://"):
		return "", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, rawURL)
	}
}

// Open allocates the output format context for url, copying stream
// parameters from a reference input stream, and writes the container
// header. RTSP destinations get TCP transport and a small mux delay.
func (p *Pusher) Open(rawURL string, srcStream *astiav.Stream) error {
	videoCodec := astiav.CodecIDNone
	if srcStream != nil {
		videoCodec = srcStream.CodecParameters().CodecID()
	}

	formatName, err := formatNameForURL(rawURL, videoCodec)
	if err != nil {
		return err
	}

	formatCtx, err := astiav.AllocOutputFormatContext(nil, formatName, rawURL)
	if err != nil || formatCtx == nil {
		return fmt.Errorf("smoother: allocating output context: %w", err)
	}

	ostream := formatCtx.NewStream(nil)
	if ostream == nil {
		formatCtx.Free()

		return errors.New("smoother: creating output stream")
	}

	if srcStream != nil {
		if err := srcStream.CodecParameters().Copy(ostream.CodecParameters()); err != nil {
			formatCtx.Free()

			return fmt.Errorf("smoother: copying codec parameters: %w", err)
		}
	}

	p.formatCtx = formatCtx
	p.url = rawURL

	opts := astiav.NewDictionary()
	defer opts.Free()

	if strings.HasPrefix(rawURL, "rtsp://") {
		opts.Set("rtsp_transport", "tcp", 0)
		opts.Set("muxdelay", "0.1", 0)
	}

	if !formatCtx.OutputFormat().Flags().Has(astiav.IOFormatFlagNofile) {
		ioCtx, err := astiav.OpenIOContext(rawURL, astiav.NewIOContextFlags(astiav.IOContextFlagWrite))
		if err != nil {
			formatCtx.Free()

			return fmt.Errorf("smoother: opening io context: %w", err)
		}

		formatCtx.SetPb(ioCtx)
	}

	if err := formatCtx.WriteHeader(opts); err != nil {
		formatCtx.Free()

		return fmt.Errorf("smoother: writing header: %w", err)
	}

	p.state = stateService

	return nil
}

// PushPacket enqueues one encoded packet for the writer goroutine.
// The caller keeps ownership; PushPacket refs its own copy.
func (p *Pusher) PushPacket(pkt *astiav.Packet) error {
	clone := astiav.AllocPacket()
	if err := clone.Ref(pkt); err != nil {
		clone.Free()

		return fmt.Errorf("smoother: refing packet: %w", err)
	}

	select {
	case p.pending <- clone:
		return nil
	case <-p.stop:
		clone.Free()

		return errors.New("smoother: pusher stopped")
	}
}

// Run drains pending packets, smooths their timestamps, and writes
// them interleaved, until ctx is cancelled or Close is called.
func (p *Pusher) Run(ctx context.Context) {
	defer close(p.done)

	for {
		select {
		case pkt := <-p.pending:
			p.writeOne(pkt)
		case <-p.stop:
			p.drain()

			return
		case <-ctx.Done():
			p.drain()

			return
		}
	}
}

func (p *Pusher) drain() {
	for {
		select {
		case pkt := <-p.pending:
			p.writeOne(pkt)
		default:
			return
		}
	}
}

func (p *Pusher) writeOne(pkt *astiav.Packet) {
	defer pkt.Free()

	unknown := pkt.Pts() == astiav.NoPtsValue

	var raw int64
	if !unknown {
		raw = pkt.Pts()
	}

	out := p.smoother.Push(raw, unknown)

	pkt.SetPts(out)
	pkt.SetDts(out)

	if err := p.formatCtx.WriteInterleavedFrame(pkt); err != nil {
		p.log.Warn().Err(err).Msg("interleaved write failed")

		if p.onError != nil {
			p.onError(err)
		}
	}
}

// Stats exposes the underlying Smoother's running counters.
func (p *Pusher) Stats() (total, corrected int) { return p.smoother.Stats() }

// Close drains any queued packets, writes the trailer, and releases
// the output context.
func (p *Pusher) Close() error {
	if p.state != stateService {
		return nil
	}

	close(p.stop)

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		p.log.Warn().Msg("timed out waiting for writer goroutine to exit")
	}

	p.state = stateDown

	if p.formatCtx == nil {
		return nil
	}

	if err := p.formatCtx.WriteTrailer(); err != nil {
		p.log.Warn().Err(err).Msg("writing trailer")
	}

	p.formatCtx.Free()
	p.formatCtx = nil

	return nil
}
