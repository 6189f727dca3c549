package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-watchdog/pkg/logcollection"
	"github.com/core-tools/hsu-watchdog/pkg/logging"
	"github.com/core-tools/hsu-watchdog/pkg/processfile"
	"github.com/core-tools/hsu-watchdog/pkg/processmanagement"
	"github.com/core-tools/hsu-watchdog/pkg/settings"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Settings      string `long:"settings" short:"s" description:"Settings file path (YAML); defaults to the scenario location"`
	Scenario      string `long:"scenario" description:"Location of watchdog files when --settings is not given" choice:"user" choice:"system" choice:"session" choice:"development" default:"user"`
	LogLevel      string `long:"log-level" description:"Log level (debug, info, warn, error); overrides the settings file"`
	CheckSettings bool   `long:"check-settings" description:"Validate the settings file and exit"`
	RunDuration   int    `long:"run-duration" description:"Duration in seconds to run (debug feature)"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v", err)
		os.Exit(1)
	}

	settingsFile := opts.Settings
	if settingsFile == "" {
		config := processfile.GetRecommendedProcessFileConfig(opts.Scenario, processfile.DefaultAppName)
		settingsFile = processfile.NewProcessFileManager(config, nil).SettingsFilePath()
	}

	if opts.CheckSettings {
		if _, err := settings.Load(settingsFile); err != nil {
			fmt.Printf("Settings file %s is invalid: %v\n", settingsFile, err)
			os.Exit(1)
		}
		fmt.Printf("Settings file %s is valid\n", settingsFile)
		return
	}

	levelName := opts.LogLevel
	if levelName == "" {
		levelName = settings.DefaultLogLevel
		if existing, err := settings.Load(settingsFile); err == nil {
			levelName = existing.Watchdog.LogLevel
		}
	}
	level, err := logcollection.ParseLogLevel(levelName)
	if err != nil {
		fmt.Printf("Invalid log level: %v", err)
		os.Exit(1)
	}

	structuredLogger, err := logcollection.NewStructuredLogger("zap", level)
	if err != nil {
		fmt.Printf("Failed to create logger: %v", err)
		os.Exit(1)
	}
	defer structuredLogger.Sync()

	// Create loggers
	logger := logging.NewLogger(
		logPrefix(processfile.DefaultAppName), logging.LogFuncs{
			Debugf: structuredLogger.Debugf,
			Infof:  structuredLogger.Infof,
			Warnf:  structuredLogger.Warnf,
			Errorf: structuredLogger.Errorf,
		})

	err = processmanagement.Run(context.Background(), processmanagement.RunOptions{
		SettingsFile: settingsFile,
		RunDuration:  time.Duration(opts.RunDuration) * time.Second,
		OutputLogger: structuredLogger.WithFields(logcollection.String("source", "child")),
	}, logger)
	if err != nil {
		logger.Errorf("Failed to run: %v", err)
		structuredLogger.Sync()
		os.Exit(1)
	}
}
