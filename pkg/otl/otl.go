// Package otl aggregates every component's configuration under one
// root and provides the small set of factory helpers and end-to-end
// wiring (Node) that a caller needs instead of constructing each
// package by hand. It plays the role cmd/framer's mainConfig plus
// framer.New/framer.Init play together, generalized across this
// module's fourteen components.
package otl

import (
	"fmt"

	"github.com/otlvideo/otl/pkg/console"
	"github.com/otlvideo/otl/pkg/decoder"
	"github.com/otlvideo/otl/pkg/encoder"
	"github.com/otlvideo/otl/pkg/logger"
	"github.com/otlvideo/otl/pkg/pipeline"
	"github.com/otlvideo/otl/pkg/smoother"
)

// Config is the master configuration for an otl process, aggregating
// every component's own Config struct the way cmd/framer's mainConfig
// aggregates framer.Config and logger.Config.
type Config struct { //nolint:govet // Don't care about alignment.
	Logger   logger.Config   `yaml:"logger"`
	Console  console.Config  `yaml:"console"`
	Pipeline pipeline.Param  `yaml:"pipeline"`
	Decoder  decoder.Param   `yaml:"decoder"`
	Encoder  encoder.Param   `yaml:"encoder"`
	Smoother SmootherConfig  `yaml:"smoother"`
	Demuxer  DemuxerConfig   `yaml:"demuxer"`
}

// SmootherConfig names one of the fixed presets rather than exposing
// alpha/max_jump/min_increment directly, since the presets are the
// unit callers reason about.
type SmootherConfig struct {
	Preset     string `yaml:"preset" env:"PRESET"`
	QueueDepth int    `yaml:"queue_depth" env:"QUEUE_DEPTH"`
}

// DemuxerConfig holds the input URL and loop behavior for the demo
// binary's source stream.
type DemuxerConfig struct {
	URL    string `yaml:"url" env:"URL"`
	Repeat bool   `yaml:"repeat" env:"REPEAT"`
}

// ConfigDefault returns the default aggregate configuration.
func ConfigDefault() Config {
	return Config{
		Logger:   logger.ConfigDefault(),
		Console:  console.DefaultConfig(),
		Pipeline: pipeline.DefaultParam(),
		Decoder:  decoder.Param{PreferHardware: true},
		Encoder:  encoder.DefaultParam(),
		Smoother: SmootherConfig{Preset: "default", QueueDepth: 64},
	}
}

// SmootherPreset resolves a preset name (case-sensitive, one of
// "conservative", "default", "looping", "aggressive") to its Preset
// value.
func SmootherPreset(name string) (smoother.Preset, error) {
	switch name {
	case "conservative":
		return smoother.Conservative, nil
	case "default", "":
		return smoother.Default, nil
	case "looping":
		return smoother.Looping, nil
	case "aggressive":
		return smoother.Aggressive, nil
	default:
		return smoother.Preset{}, fmt.Errorf("otl: unknown smoother preset %q", name)
	}
}
