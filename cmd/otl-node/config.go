package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/otlvideo/otl/pkg/config"
	"github.com/otlvideo/otl/pkg/logger"
	"github.com/otlvideo/otl/pkg/otl"
)

const configFileName = "config.yaml"

//nolint:gochecknoglobals // Needed for makefile injection.
var (
	// Version is provided by the makefile.
	Version = "v0"
	// Revision is a git tag provided by the makefile.
	Revision = "0"
	// Created is a date provided by the makefile.
	Created = "0000-00-00"
)

//nolint:gochecknoglobals // Static config.
var currentConfig = otl.ConfigDefault()

// initConfig initializes the config by calling config.Init and handling
// the result. May exit the program if there is an error other than a
// missing config file.
func initConfig() zerolog.Logger {
	err := config.Init(configFileName, "OTL_", &currentConfig)
	if err != nil {
		ncError := &config.NoConfigError{}
		if !errors.As(err, &ncError) {
			fmt.Println(err.Error()) //nolint:forbidigo // OK to print here.
			os.Exit(-1)
		}
	}

	log := logger.New(&currentConfig.Logger)

	binName := filepath.Base(os.Args[0])
	log.Info().Msg(fmt.Sprintf("%s %s rev:%s created:%s", binName, Version, Revision, Created))
	log.Info().Interface("config", &currentConfig).Msg("effective config")

	if err != nil {
		log.Info().Msg(err.Error())
	}

	return log
}
