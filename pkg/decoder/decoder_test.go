package decoder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/otlvideo/otl/pkg/decoder"
)

// The astiav-bound constructor in this package needs a linked libav*
// runtime, so only the pure-Go option resolution is unit tested here,
// the same approach pkg/encoder takes for its own astiav-bound code.

func TestParamFilterSpecPrefersFilterOverVf(t *testing.T) {
	p := decoder.Param{Options: map[string]string{
		"filter": "scale=640:-1",
		"vf":     "scale=320:-1",
	}}

	assert.Equal(t, "scale=640:-1", p.FilterSpec())
}

func TestParamFilterSpecFallsBackToVf(t *testing.T) {
	p := decoder.Param{Options: map[string]string{
		"vf": "scale=320:-1",
	}}

	assert.Equal(t, "scale=320:-1", p.FilterSpec())
}

func TestParamFilterSpecEmptyWithNoOptions(t *testing.T) {
	assert.Equal(t, "", decoder.Param{}.FilterSpec())
}
