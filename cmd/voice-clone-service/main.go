// main package for the voice-clone-service
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/config"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/engine"
	"github.com/book-expert/voice-clone-service/internal/fileutil"
	"github.com/book-expert/voice-clone-service/internal/gateway"
	"github.com/book-expert/voice-clone-service/internal/objectstore"
	"github.com/book-expert/voice-clone-service/internal/server"
	"github.com/book-expert/voice-clone-service/internal/session"
	"github.com/book-expert/voice-clone-service/internal/worker"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

const (
	bootstrapLogFile = "voice-clone-service-bootstrap.log"
	serviceLogFile   = "voice-clone-service.log"
	flagConfigDesc   = "Path to a TOML configuration file (defaults to the central configurator)"

	logEnvLoaded       = "Loaded environment from .env"
	logConfigLoaded    = "Configuration loaded (engine %s, listen %s)"
	logEngineDegraded  = "Starting without an inference engine; conversions will fail: %v"
	logNATSConnected   = "Connected to NATS at %s, bucket %s"
	logNATSDisabled    = "NATS job surface disabled"
	logServiceReady    = "voice-clone-service %s initialised, ingest rate %d Hz"
	logShutdownStarted = "Shutdown requested, draining"
	logGatewayClose    = "Failed to close model gateway: %v"
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

func loadConfig(path string, log *logger.Logger) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}

	return config.Load(log)
}

func run() error {
	configPath := flag.String("config", "", flagConfigDesc)
	flag.Parse()

	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}
	defer bootstrapLog.Close()

	envErr := godotenv.Load()
	switch {
	case envErr == nil:
		bootstrapLog.Info(logEnvLoaded)
	case !errors.Is(envErr, fs.ErrNotExist):
		bootstrapLog.Warn("Failed to load .env: %v", envErr)
	}

	cfg, err := loadConfig(*configPath, bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	dirErr := fileutil.EnsureDir(cfg.Paths.BaseLogsDir)
	if dirErr != nil {
		bootstrapLog.Error("Failed to create log directory: %v", dirErr)

		return fmt.Errorf("failed to create log directory: %w", dirErr)
	}

	log, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	log.Info(logConfigLoaded, cfg.Engine.Kind, cfg.Server.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log)
}

// serve wires the gateway, pipeline and front ends and blocks until ctx ends.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	gw := gateway.New(ctx, engine.NewLoader(cfg.Engine, log), gateway.Options{
		AcquireTimeout: cfg.Gateway.AcquireTimeout(),
		MaxQueueDepth:  cfg.Gateway.MaxQueueDepth,
	}, log)

	defer func() {
		closeErr := gw.Close()
		if closeErr != nil {
			log.Error(logGatewayClose, closeErr)
		}
	}()

	ingestRate := cfg.Engine.SampleRate
	if gw.Available() {
		ingestRate = gw.SampleRate()
	} else {
		log.Warn(logEngineDegraded, gw.Cause())
	}

	pipeline := session.NewPipeline(
		audio.NewIngestor(ingestRate, cfg.Audio.MaxDuration()),
		gw,
		core.Limits{MaxDiffusionSteps: cfg.Conversion.MaxDiffusionSteps},
		log,
	)

	var natsWorker *worker.NatsWorker

	if cfg.NATS.Enabled() {
		var (
			closeNATS func()
			err       error
		)

		natsWorker, closeNATS, err = newWorker(cfg.NATS, pipeline, log)
		if err != nil {
			return err
		}
		defer closeNATS()
	} else {
		log.Info(logNATSDisabled)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	httpServer := server.New(server.NewOptions(cfg), pipeline, gw, log)
	group.Go(func() error { return httpServer.Run(groupCtx) })

	if natsWorker != nil {
		group.Go(func() error { return natsWorker.Run(groupCtx) })
	}

	log.System(logServiceReady, cfg.Service.Version, ingestRate)

	go func() {
		<-groupCtx.Done()
		log.Info(logShutdownStarted)
	}()

	return group.Wait()
}

// newWorker connects to NATS and builds the job worker. The returned func
// closes the connection.
func newWorker(cfg config.NATSConfig, pipeline *session.Pipeline, log *logger.Logger) (*worker.NatsWorker, func(), error) {
	natsConnection, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.ObjectStoreBucket)
	if err != nil {
		natsConnection.Close()

		return nil, nil, err
	}

	natsWorker, err := worker.NewNatsWorker(natsConnection, store, pipeline, worker.Options{
		Subject:      cfg.ConversionSubject,
		QueueGroup:   cfg.QueueGroup,
		DeleteInputs: cfg.DeleteInputs,
	}, log)
	if err != nil {
		natsConnection.Close()

		return nil, nil, err
	}

	log.Info(logNATSConnected, cfg.URL, cfg.ObjectStoreBucket)

	return natsWorker, natsConnection.Close, nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
