package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/otlvideo/otl/pkg/otl"
)

func main() {
	inURL := flag.String("url", "", "input stream URL or file path")
	outURL := flag.String("out", "", "output stream URL (rtsp/rtp/udp/tcp/rtmp), empty to skip pushing")
	flag.Parse()

	log := initConfig() // May exit early if config init fails.

	if *inURL != "" {
		currentConfig.Demuxer.URL = *inURL
	}

	if currentConfig.Demuxer.URL == "" {
		log.Error().Msg("no input url; pass -url or set demuxer.url in config.yaml")

		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node := otl.NewNode(log, currentConfig)

	log.Info().Str("url", currentConfig.Demuxer.URL).Str("out", *outURL).Msg("starting node")

	if err := node.Start(ctx, *outURL); err != nil {
		log.Error().Err(err).Msg("node stopped")
	}

	node.Stop()

	log.Info().Msg("node stopped")
}
