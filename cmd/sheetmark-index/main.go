package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sheetmark/internal/app"
	"github.com/ternarybob/sheetmark/internal/common"
)

type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles configPaths
	showVersion = flag.Bool("version", false, "Print version information")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Sheetmark index recognizer version %s\n", common.GetVersion())
		os.Exit(0)
	}

	if len(configFiles) == 0 {
		if _, err := os.Stat("sheetmark.toml"); err == nil {
			configFiles = append(configFiles, "sheetmark.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	common.PrintBanner("Sheetmark Index Recognizer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewIndexer(ctx, config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize index recognizer")
		os.Exit(1)
	}

	runErr := application.Run(ctx)
	if runErr != nil && ctx.Err() == nil {
		logger.Error().Err(runErr).Msg("Index recognizer stopped with error")
	}

	if err := application.Close(); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
		os.Exit(1)
	}
	logger.Info().Msg("Shutdown complete")
}
