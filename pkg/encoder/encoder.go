// Package encoder wraps an astiav codec context configured for
// encoding, with a hardware-then-software codec probe list per
// platform and codec family. It is grounded on
// original_source/stream_encoder.h's EncodeParam/StreamEncoder
// interface, and on pkg/framer/dec_stream.go for the
// astiav.CodecContext lifecycle idiom (AllocCodecContext, Open,
// SendPacket/ReceiveFrame style loops applied here to
// SendFrame/ReceivePacket).
package encoder

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/rs/zerolog"
)

// Param configures an encoder instance, matching
// original_source/stream_encoder.h's EncodeParam field-for-field.
type Param struct {
	CodecName      string
	Width, Height  int
	TimeBase       astiav.Rational
	FrameRate      astiav.Rational
	PixelFormat    astiav.PixelFormat
	BitRate        int64
	GOPSize        int
	MaxBFrames     int // -1 means unset/codec default.
	ThreadCount    int
	CRF            int // -1 means unset.
	QP             int // -1 means unset.
	Preset         string
	Tune           string
	Profile        string
	Options        map[string]string
	PreferHardware bool
	HWAccel        string
}

// DefaultParam matches the source's field defaults.
func DefaultParam() Param {
	return Param{
		TimeBase:    astiav.NewRational(1, 90000),
		PixelFormat: astiav.PixelFormatYuv420P,
		MaxBFrames:  -1,
		CRF:         -1,
		QP:          -1,
	}
}

// hwCandidates lists, in preference order, the hardware encoder names
// to probe for a codec family before falling back to software. All
// backends beyond the first are cross-platform alternates; only one
// will actually FindEncoderByName successfully on a given host.
var hwCandidates = map[string][]string{
	"h264": {"h264_videotoolbox", "h264_nvenc", "h264_qsv", "h264_amf", "h264_vaapi"},
	"hevc": {"hevc_videotoolbox", "hevc_nvenc", "hevc_qsv", "hevc_amf", "hevc_vaapi"},
}

// swFallback names the software encoder for a codec family/alias.
var swFallback = map[string]string{
	"h264":     "libx264",
	"hevc":     "libx265",
	"libx264":  "libx264",
	"libx265":  "libx265",
	"mjpeg":    "mjpeg",
	"mpeg4":    "mpeg4",
}

// Encoder wraps one astiav.CodecContext configured for encoding.
type Encoder struct {
	log      zerolog.Logger
	codecCtx *astiav.CodecContext

	frameCount uint64
	firstPts   int64
	havePts    bool

	forceKeyframe bool
}

// New opens an encoder for param, probing hardware encoders first
// when param.PreferHardware is set.
func New(log zerolog.Logger, param Param) (*Encoder, error) {
	log = log.With().Str("pkg", "encoder").Logger()

	codec, err := findEncoderCodec(param)
	if err != nil {
		return nil, err
	}

	codecCtx := astiav.AllocCodecContext(codec)
	codecCtx.SetWidth(param.Width)
	codecCtx.SetHeight(param.Height)
	codecCtx.SetTimeBase(param.TimeBase)
	codecCtx.SetFramerate(param.FrameRate)
	codecCtx.SetPixelFormat(param.PixelFormat)

	if param.BitRate > 0 {
		codecCtx.SetBitRate(param.BitRate)
	}

	if param.GOPSize > 0 {
		codecCtx.SetGopSize(param.GOPSize)
	}

	if param.MaxBFrames >= 0 {
		codecCtx.SetMaxBFrames(param.MaxBFrames)
	}

	if param.ThreadCount > 0 {
		codecCtx.SetThreadCount(param.ThreadCount)
	}

	dict := astiav.NewDictionary()
	defer dict.Free()

	setDictOpt(dict, "preset", param.Preset)
	setDictOpt(dict, "tune", param.Tune)
	setDictOpt(dict, "profile", param.Profile)

	if param.CRF >= 0 {
		setDictOpt(dict, "crf", fmt.Sprintf("%d", param.CRF))
	}

	if param.QP >= 0 {
		setDictOpt(dict, "qp", fmt.Sprintf("%d", param.QP))
	}

	for k, v := range param.Options {
		setDictOpt(dict, k, v)
	}

	if err := codecCtx.Open(codec, dict); err != nil {
		codecCtx.Free()

		return nil, fmt.Errorf("encoder: opening codec context: %w", err)
	}

	return &Encoder{
		log:      log,
		codecCtx: codecCtx,
	}, nil
}

func setDictOpt(dict *astiav.Dictionary, key, value string) {
	if value == "" {
		return
	}

	dict.Set(key, value, astiav.DictionaryFlags(0)) //nolint:errcheck // best-effort codec-private option.
}

// findEncoderCodec resolves param.CodecName (and HWAccel/
// PreferHardware) to a concrete astiav.Codec, probing the hardware
// candidate list before falling back to software.
func findEncoderCodec(param Param) (*astiav.Codec, error) {
	name := param.CodecName

	if explicit := astiav.FindEncoderByName(name); explicit != nil {
		return explicit, nil
	}

	if param.PreferHardware {
		if candidates, ok := hwCandidates[name]; ok {
			if param.HWAccel != "" {
				if c := astiav.FindEncoderByName(name + "_" + param.HWAccel); c != nil {
					return c, nil
				}
			}

			for _, candidate := range candidates {
				if c := astiav.FindEncoderByName(candidate); c != nil {
					return c, nil
				}
			}
		}
	}

	if swName, ok := swFallback[name]; ok {
		if c := astiav.FindEncoderByName(swName); c != nil {
			return c, nil
		}
	}

	return nil, fmt.Errorf("encoder: no encoder available for codec %q", name)
}

// Encode submits frame to the encoder and returns at most one packet:
// an encoder may buffer several frames before emitting its first
// packet, so a nil packet with a nil error means the frame was
// accepted but nothing was ready to emit yet, not that encoding
// failed. Callers that need to drain more than one buffered packet
// call Encode again with the same frame's follow-up (or nil) frame.
func (e *Encoder) Encode(frame *astiav.Frame) (*astiav.Packet, error) {
	if e.forceKeyframe {
		frame.SetPictureType(astiav.PictureTypeI)
		e.forceKeyframe = false
	}

	if err := e.codecCtx.SendFrame(frame); err != nil {
		return nil, fmt.Errorf("encoder: sending frame: %w", err)
	}

	return e.receivePacket()
}

// receivePacket tries to receive one packet (the API allows several
// per SendFrame; only the first is returned here).
func (e *Encoder) receivePacket() (*astiav.Packet, error) {
	pkt := astiav.AllocPacket()

	if err := e.codecCtx.ReceivePacket(pkt); err != nil {
		pkt.Free()

		if errors.Is(err, astiav.ErrEof) || errors.Is(err, astiav.ErrEagain) {
			return nil, nil
		}

		return nil, fmt.Errorf("encoder: receiving packet: %w", err)
	}

	if !e.havePts {
		e.firstPts = pkt.Pts()
		e.havePts = true
	}

	e.frameCount++

	return pkt, nil
}

// RequestKeyFrame forces the next Encode call's frame to be coded as
// an I-frame.
func (e *Encoder) RequestKeyFrame() {
	e.forceKeyframe = true
}

// GetFps returns the number of frames encoded so far and the
// nominal frame rate configured at Open time.
func (e *Encoder) GetFps() (frameCount uint64, fps float64) {
	rate := e.codecCtx.Framerate()
	if rate.Den() == 0 {
		return e.frameCount, 0
	}

	return e.frameCount, float64(rate.Num()) / float64(rate.Den())
}

// Close frees the codec context.
func (e *Encoder) Close() {
	e.codecCtx.Free()
}
