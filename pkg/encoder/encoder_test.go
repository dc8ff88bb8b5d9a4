package encoder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/otlvideo/otl/pkg/encoder"
)

// The astiav-bound constructors in this package need a linked libav*
// runtime, so only the pure-Go parameter defaults are unit tested
// here, the same approach pkg/framer takes for its own astiav-bound
// code.

func TestDefaultParamSentinelValues(t *testing.T) {
	p := encoder.DefaultParam()

	assert.Equal(t, -1, p.MaxBFrames)
	assert.Equal(t, -1, p.CRF)
	assert.Equal(t, -1, p.QP)
	assert.Equal(t, 1, p.TimeBase.Num())
	assert.Equal(t, 90000, p.TimeBase.Den())
}
