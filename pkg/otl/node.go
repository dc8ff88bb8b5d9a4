package otl

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/rs/zerolog"

	"github.com/otlvideo/otl/pkg/decoder"
	"github.com/otlvideo/otl/pkg/demuxer"
	"github.com/otlvideo/otl/pkg/encoder"
	"github.com/otlvideo/otl/pkg/pipeline"
	"github.com/otlvideo/otl/pkg/smoother"
	"github.com/otlvideo/otl/pkg/timer"

	"github.com/otlvideo/otl/pkg/console"
)

// Node wires a demuxer, decoder, inference pipeline, encoder, and
// output pusher into one end-to-end pass-through-plus-inference
// stream, replacing a gRPC service surface with direct library calls
// so the admin console remains the only outward control surface.
type Node struct {
	log zerolog.Logger
	cfg Config

	console    *console.Console
	timerQueue *timer.Queue

	demux  *demuxer.Demuxer
	decode *decoder.Decoder
	enc    *encoder.Encoder
	pusher *smoother.Pusher
	pipe   *pipeline.Pipeline[*astiav.Frame]

	videoStreamIndex int
}

// NewNode constructs the always-present pieces (console, timer
// service, demuxer). The decoder, encoder, pipeline, and pusher are
// created lazily from the source's first video stream once Start's
// demuxer reports OnOpened.
func NewNode(log zerolog.Logger, cfg Config) *Node {
	return &Node{
		log:              log,
		cfg:              cfg,
		console:          console.New(cfg.Console),
		timerQueue:       timer.New(log),
		demux:            demuxer.New(log),
		videoStreamIndex: -1,
	}
}

// Start opens the input URL from cfg.Demuxer and runs the demuxer's
// read loop until ctx is cancelled, EOF (with repeat disabled), or an
// unrecoverable error. outURL, if non-empty, is opened as a pusher
// destination once the source's video stream is known.
func (n *Node) Start(ctx context.Context, outURL string) error {
	n.console.Start() //nolint:errcheck // best-effort admin console startup.
	go n.timerQueue.RunLoop()

	n.demux.OnOpened(func(streams []demuxer.StreamInfo) { n.onOpened(ctx, outURL, streams) })
	n.demux.OnReadFrame(n.onReadFrame)
	n.demux.OnReadEOF(func() {
		if n.decode != nil {
			if err := n.decode.Flush(); err != nil {
				n.log.Warn().Err(err).Msg("flushing decoder at eof")
			}
		}
	})

	if err := n.demux.Open(n.cfg.Demuxer.URL, n.cfg.Demuxer.Repeat); err != nil {
		return fmt.Errorf("otl: opening input: %w", err)
	}

	return n.demux.Service(ctx)
}

func (n *Node) onOpened(ctx context.Context, outURL string, streams []demuxer.StreamInfo) {
	videoIndex := -1

	for _, s := range streams {
		if s.Width > 0 && s.Height > 0 {
			videoIndex = s.Index

			break
		}
	}

	if videoIndex < 0 {
		n.log.Error().Msg("no video stream in source")

		return
	}

	n.videoStreamIndex = videoIndex

	stream := n.demux.Stream(videoIndex)

	dec, err := decoder.New(n.log, stream, n.cfg.Decoder)
	if err != nil {
		n.log.Error().Err(err).Msg("creating decoder")

		return
	}

	n.decode = dec
	dec.OnDecodedFrame(n.onDecodedFrame)
	dec.OnDecodedSEI(n.onDecodedSEI)

	pipe, err := pipeline.New[*astiav.Frame](n.log, n.cfg.Pipeline, pipeline.Delegate[*astiav.Frame]{
		Detected: n.onPipelineDetected,
	})
	if err != nil {
		n.log.Error().Err(err).Msg("creating pipeline")

		return
	}

	n.pipe = pipe

	if outURL == "" {
		return
	}

	preset, presetErr := SmootherPreset(n.cfg.Smoother.Preset)
	if presetErr != nil {
		n.log.Warn().Err(presetErr).Msg("falling back to default smoother preset")

		preset = smoother.Default
	}

	n.pusher = smoother.NewPusher(n.log, preset, n.cfg.Smoother.QueueDepth)

	if err := n.pusher.Open(outURL, stream); err != nil {
		n.log.Error().Err(err).Msg("opening output")
		n.pusher = nil

		return
	}

	go n.pusher.Run(ctx)

	encParam := n.cfg.Encoder
	encParam.Width = stream.CodecParameters().Width()
	encParam.Height = stream.CodecParameters().Height()

	enc, err := encoder.New(n.log, encParam)
	if err != nil {
		n.log.Error().Err(err).Msg("creating encoder")

		return
	}

	n.enc = enc
}

func (n *Node) onReadFrame(pkt *astiav.Packet, streamIndex int) {
	if streamIndex != n.videoStreamIndex || n.decode == nil {
		return
	}

	if err := n.decode.PutPacket(pkt); err != nil {
		n.log.Warn().Err(err).Msg("decoding packet")
	}
}

func (n *Node) onDecodedFrame(pkt *astiav.Packet, frame *astiav.Frame) {
	if n.pipe != nil {
		n.pipe.PushFrame(frame)
	}

	if n.enc == nil {
		return
	}

	pkt, err := n.enc.Encode(frame)
	if err != nil {
		n.log.Warn().Err(err).Msg("encoding frame")

		return
	}

	if pkt == nil {
		return
	}

	if n.pusher != nil {
		if pushErr := n.pusher.PushPacket(pkt); pushErr != nil {
			n.log.Warn().Err(pushErr).Msg("pushing packet to output")
		}
	}

	pkt.Free()
}

func (n *Node) onDecodedSEI(payload []byte) {
	n.log.Debug().Int("bytes", len(payload)).Msg("decoded sei payload")
}

func (n *Node) onPipelineDetected(frame *astiav.Frame) {
	n.log.Trace().Msg("frame reached end of pipeline")
}

// Stats reports the pipeline stage occupancy/throughput and the
// smoother's running correction counters. The admin console's status
// command does not call it.
func (n *Node) Stats() (pipeline.StageStatis, pipeline.StageStatis, pipeline.StageStatis, int, int) {
	if n.pipe == nil {
		return pipeline.StageStatis{}, pipeline.StageStatis{}, pipeline.StageStatis{}, 0, 0
	}

	pre, forward, post := n.pipe.Statis()

	var total, corrected int
	if n.pusher != nil {
		total, corrected = n.pusher.Stats()
	}

	return pre, forward, post, total, corrected
}

// Stop tears down every wired component in dependency order: the
// source read loop first, then the decode/inference/encode/output
// chain it feeds, then the ambient services.
func (n *Node) Stop() {
	n.demux.Close()

	if n.decode != nil {
		n.decode.Close()
	}

	if n.pipe != nil {
		n.pipe.Stop()
	}

	if n.pusher != nil {
		n.pusher.Close() //nolint:errcheck // best-effort shutdown.
	}

	if n.enc != nil {
		n.enc.Close()
	}

	n.timerQueue.Stop()
	n.console.Stop()
}
