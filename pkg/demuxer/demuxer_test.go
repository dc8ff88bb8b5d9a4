package demuxer_test

import (
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/otlvideo/otl/pkg/demuxer"
)

func TestNewDemuxerStartsInInitializeState(t *testing.T) {
	d := demuxer.New(zerolog.Nop())
	assert.Equal(t, demuxer.StateInitialize, d.State())
}

func TestOpenRejectsUnsupportedScheme(t *testing.T) {
	d := demuxer.New(zerolog.Nop())

	err := d.Open("gopher://example.com/resource", false)
	assert.ErrorIs(t, err, demuxer.ErrUnsupportedScheme)
	assert.Equal(t, demuxer.StateInitialize, d.State())
}

func TestStateStringValues(t *testing.T) {
	assert.Equal(t, "initialize", demuxer.StateInitialize.String())
	assert.Equal(t, "service", demuxer.StateService.String())
	assert.Equal(t, "down", demuxer.StateDown.String())
}

func TestOnReadFrameCallbackRegistration(t *testing.T) {
	d := demuxer.New(zerolog.Nop())

	called := false
	d.OnReadFrame(func(pkt *astiav.Packet, idx int) {
		called = true
	})

	// Registration alone must not invoke the callback or require an
	// open stream.
	assert.False(t, called)
}
