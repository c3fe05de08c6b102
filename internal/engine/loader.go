package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/config"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/fileutil"
	"github.com/book-expert/voice-clone-service/internal/gateway"
)

const (
	logLoadingHTTP = "Loading http engine: sidecar %s, sample rate %d Hz"
	logLoadingExec = "Loading exec engine: %s %s, checkpoint %q, sample rate %d Hz"
)

// ErrUnsupportedKind indicates the configuration names no known adapter.
var ErrUnsupportedKind = errors.New("unsupported engine kind")

// NewLoader returns the gateway load function for the configured engine.
func NewLoader(cfg config.EngineConfig, log *logger.Logger) gateway.LoadFunc {
	return func(ctx context.Context) (core.InferenceEngine, error) {
		switch cfg.Kind {
		case config.EngineKindHTTP:
			return loadHTTP(ctx, cfg, log)
		case config.EngineKindExec:
			return loadExec(cfg, log)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, cfg.Kind)
		}
	}
}

func loadHTTP(ctx context.Context, cfg config.EngineConfig, log *logger.Logger) (core.InferenceEngine, error) {
	log.Info(logLoadingHTTP, cfg.ServiceURL, cfg.SampleRate)

	engine := NewHTTPEngine(cfg.ServiceURL, cfg.Timeout(), cfg.SampleRate, log)

	healthErr := engine.HealthCheck(ctx)
	if healthErr != nil {
		_ = engine.Close()

		return nil, healthErr
	}

	return engine, nil
}

func loadExec(cfg config.EngineConfig, log *logger.Logger) (core.InferenceEngine, error) {
	binary, err := exec.LookPath(cfg.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("inference binary %q not found: %w", cfg.BinaryPath, err)
	}

	if cfg.ScriptPath != "" {
		_, statErr := os.Stat(cfg.ScriptPath)
		if statErr != nil {
			return nil, fmt.Errorf("inference script %q not usable: %w", cfg.ScriptPath, statErr)
		}
	}

	var checkpoint, modelConfig string

	if cfg.ModelPath != "" {
		checkpoint, err = fileutil.ResolveModelPath(cfg.ModelPath)
		if err != nil {
			return nil, err
		}
	}

	if cfg.ConfigPath != "" {
		modelConfig, err = fileutil.ResolveModelPath(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
	}

	log.Info(logLoadingExec, binary, cfg.ScriptPath, checkpoint, cfg.SampleRate)

	return NewExecEngine(ExecConfig{
		BinaryPath:      binary,
		ScriptPath:      cfg.ScriptPath,
		CheckpointPath:  checkpoint,
		ModelConfigPath: modelConfig,
		FP16:            cfg.FP16,
		SampleRate:      cfg.SampleRate,
		Timeout:         cfg.Timeout(),
	}, log), nil
}
