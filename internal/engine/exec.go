package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
)

const (
	scratchPattern    = "voice-clone-*"
	inputDirName      = "in"
	outputDirName     = "out"
	sourceFileName    = "source.wav"
	targetFileName    = "target.wav"
	scratchDirPerm    = 0o750
	scratchFilePerm   = 0o600
	maxLoggedOutput   = 2048
	logScratchCleanup = "Failed to remove scratch directory '%s': %v"
)

// ErrNoOutput indicates the subprocess exited cleanly without writing audio.
var ErrNoOutput = errors.New("inference produced no output file")

// ExecConfig configures the Seed-VC inference subprocess.
type ExecConfig struct {
	// BinaryPath is the interpreter or executable to run.
	BinaryPath string
	// ScriptPath is passed as the first argument when set.
	ScriptPath string
	// CheckpointPath is the resolved model checkpoint.
	CheckpointPath string
	// ModelConfigPath is the model's YAML config, when it is not the default.
	ModelConfigPath string
	FP16            bool
	SampleRate      int
	Timeout         time.Duration
}

// ExecEngine converts voices by running the Seed-VC inference script once
// per request. Each call works in its own scratch directory, removed on
// every exit path.
type ExecEngine struct {
	config ExecConfig
	log    *logger.Logger
}

// NewExecEngine creates an ExecEngine.
func NewExecEngine(cfg ExecConfig, log *logger.Logger) *ExecEngine {
	return &ExecEngine{config: cfg, log: log}
}

// SampleRate returns the rate of the waveforms exchanged with the gateway.
func (e *ExecEngine) SampleRate() int {
	return e.config.SampleRate
}

// Close is a no-op; the model lives only for the duration of each
// subprocess.
func (e *ExecEngine) Close() error {
	return nil
}

// Convert writes both inputs as WAV, runs the subprocess and reads the
// single WAV it writes to the output directory.
func (e *ExecEngine) Convert(
	ctx context.Context,
	source, target *audio.Waveform,
	params core.ConversionParameters,
) (*audio.Waveform, error) {
	scratch, err := os.MkdirTemp("", scratchPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	defer func() {
		removeErr := os.RemoveAll(scratch)
		if removeErr != nil {
			e.log.Warn(logScratchCleanup, scratch, removeErr)
		}
	}()

	inDir := filepath.Join(scratch, inputDirName)
	outDir := filepath.Join(scratch, outputDirName)

	for _, dir := range []string{inDir, outDir} {
		mkdirErr := os.MkdirAll(dir, scratchDirPerm)
		if mkdirErr != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, mkdirErr)
		}
	}

	sourcePath := filepath.Join(inDir, sourceFileName)
	targetPath := filepath.Join(inDir, targetFileName)

	writeErr := writeWAV(sourcePath, source)
	if writeErr != nil {
		return nil, writeErr
	}

	writeErr = writeWAV(targetPath, target)
	if writeErr != nil {
		return nil, writeErr
	}

	if e.config.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	args := e.buildArgs(sourcePath, targetPath, outDir, params)

	// #nosec G204 -- binary and script come from configuration; every other
	// argument is a scratch path or a validated number.
	cmd := exec.CommandContext(ctx, e.config.BinaryPath, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("inference subprocess failed: %w - output: %s", err, tail(output))
	}

	outputPath, err := findOutput(outDir)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read inference output: %w", err)
	}

	return toEngineFormat(raw, e.config.SampleRate)
}

func (e *ExecEngine) buildArgs(sourcePath, targetPath, outDir string, params core.ConversionParameters) []string {
	args := make([]string, 0, 24)

	if e.config.ScriptPath != "" {
		args = append(args, e.config.ScriptPath)
	}

	args = append(args,
		"--source", sourcePath,
		"--target", targetPath,
		"--output", outDir,
		"--diffusion-steps", strconv.Itoa(params.DiffusionSteps),
		"--length-adjust", strconv.FormatFloat(params.LengthAdjust, 'f', -1, 64),
		"--inference-cfg-rate", strconv.FormatFloat(params.InferenceCFGRate, 'f', -1, 64),
		"--f0-condition", pyBool(params.F0Condition),
		"--auto-f0-adjust", pyBool(params.AutoF0Adjust),
		"--semi-tone-shift", strconv.Itoa(params.PitchShift),
		"--fp16", pyBool(e.config.FP16),
	)

	if e.config.CheckpointPath != "" {
		args = append(args, "--checkpoint", e.config.CheckpointPath)
	}

	if e.config.ModelConfigPath != "" {
		args = append(args, "--config", e.config.ModelConfigPath)
	}

	return args
}

func writeWAV(path string, w *audio.Waveform) error {
	raw, err := audio.EncodeWAV(w)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}

	err = os.WriteFile(path, raw, scratchFilePerm)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}

	return nil
}

// findOutput returns the first WAV file in dir by name.
func findOutput(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	if err != nil {
		return "", fmt.Errorf("failed to list inference output: %w", err)
	}

	if len(matches) == 0 {
		return "", ErrNoOutput
	}

	sort.Strings(matches)

	return matches[0], nil
}

func pyBool(v bool) string {
	if v {
		return "True"
	}

	return "False"
}

// tail keeps the end of subprocess output, where tracebacks put the cause.
func tail(output []byte) string {
	text := strings.TrimSpace(string(output))
	if len(text) <= maxLoggedOutput {
		return text
	}

	return "..." + text[len(text)-maxLoggedOutput:]
}
