package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"scpigw/internal/comm"
	"scpigw/internal/config"
	"scpigw/internal/device"
	_ "scpigw/internal/proto"
)

var errConfigChanged = errors.New("config changed")

func loadConfig(path string) (*config.DriverConfig, error) {
	confBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return config.ParseDriverConfig(confBytes)
}

// run drives the model until the context is cancelled or the config file
// changes; in the latter case it returns errConfigChanged so that main can
// reload and start over.
func run(ctx context.Context, cfg *config.DriverConfig, reloadCh <-chan struct{}, logger zerolog.Logger) error {
	model := device.NewModel(
		comm.DefaultCommanderFactory(comm.Connect, logger),
		cfg,
		&device.LogObserver{Logger: logger},
		logger)
	if err := model.Start(); err != nil {
		return err
	}
	defer model.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- model.Run(runCtx)
	}()

	select {
	case <-ctx.Done():
		cancel()
		<-errCh
		return ctx.Err()
	case <-reloadCh:
		cancel()
		<-errCh
		return errConfigChanged
	case err := <-errCh:
		return err
	}
}

func main() {
	configPath := flag.String("config", "/etc/scpigw.conf", "config path")
	debug := flag.Bool("debug", false, "enable debug logging")
	checkConfig := flag.Bool("check", false, "validate the config and exit")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("can't load config")
	}
	if *checkConfig {
		logger.Info().Str("config", *configPath).Msg("config ok")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reloadCh := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Fatal().Err(err).Msg("can't create a config watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(*configPath); err != nil {
		logger.Warn().Err(err).Msg("config reload disabled")
	} else {
		go func() {
			for {
				select {
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
						select {
						case reloadCh <- struct{}{}:
						default:
						}
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					logger.Warn().Err(err).Msg("config watcher error")
				}
			}
		}()
	}

	for {
		err := run(ctx, cfg, reloadCh, logger)
		switch {
		case err == errConfigChanged:
			newCfg, err := loadConfig(*configPath)
			if err != nil {
				logger.Error().Err(err).Msg("ignoring broken config update")
				continue
			}
			logger.Info().Str("config", *configPath).Msg("config reloaded")
			cfg = newCfg
		case errors.Is(err, context.Canceled):
			logger.Info().Msg("shutting down")
			return
		case err != nil:
			logger.Fatal().Err(err).Msg("driver failed")
		}
	}
}
