package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/fileutil"
	"github.com/book-expert/voice-clone-service/internal/server"
	"github.com/book-expert/voice-clone-service/internal/session"
)

// Flag descriptions.
const (
	flagSourceDesc  = "Source speech recording (content to keep)"
	flagTargetDesc  = "Reference recording of the target voice"
	flagOutputDesc  = "Output file path (.wav)"
	flagURLDesc     = "Base URL of the voice-clone-service"
	flagStepsDesc   = "Diffusion steps (1 to the server limit)"
	flagCFGDesc     = "Inference CFG rate in [0, 1]"
	flagNoF0Desc    = "Disable F0 conditioning"
	flagNoAutoDesc  = "Disable automatic F0 adjustment"
	flagLengthDesc  = "Output length factor in (0, 4]"
	flagPitchDesc   = "Pitch shift in semitones (-24 to 24)"
	flagHealthDesc  = "Check service health and exit"
	flagTimeoutDesc = "Request timeout"
)

// Flag names.
const (
	flagSource  = "source"
	flagTarget  = "target"
	flagOutput  = "output"
	flagURL     = "url"
	flagSteps   = "steps"
	flagCFG     = "cfg-rate"
	flagNoF0    = "no-f0"
	flagNoAuto  = "no-auto-f0"
	flagLength  = "length-adjust"
	flagPitch   = "pitch-shift"
	flagHealth  = "health"
	flagTimeout = "timeout"
)

// Error and log messages.
const (
	errSourceRequired   = "--source is required"
	errTargetRequired   = "--target is required"
	errServiceNotHealth = "service is not healthy: %v\n"
	msgServiceHealthy   = "voice-clone-service is healthy"
	logCloneStarted     = "Cloning %s into the voice of %s via %s"
	logCloneFinished    = "Wrote %s (%s, session %s) in %s"
	msgGenerated        = "Generated: %s\n"
)

const (
	logFileName       = "voice-clone-client.log"
	defaultOutputFile = "cloned_voice.wav"
	defaultServiceURL = "http://127.0.0.1:8000"
	defaultTimeout    = 10 * time.Minute
	errorBodyLimit    = 64 << 10
)

var (
	// ErrMissingInput indicates a required input file flag is empty.
	ErrMissingInput = errors.New("missing input")
	// ErrServiceStatus indicates the service answered with a non-200 status.
	ErrServiceStatus = errors.New("service returned an error")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	source        string
	target        string
	output        string
	url           string
	steps         int
	cfgRate       float64
	lengthAdjust  float64
	pitchShift    int
	noF0          bool
	noAutoF0      bool
	health        bool
	timeout       time.Duration
	stepsSet      bool
	cfgRateSet    bool
	lengthSet     bool
	pitchShiftSet bool
}

func main() {
	err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	log, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	client := &http.Client{Timeout: flags.timeout}

	if flags.health {
		return checkHealth(ctx, client, flags.url, os.Stdout)
	}

	err = validateFlags(flags)
	if err != nil {
		return err
	}

	return clone(ctx, client, flags, log)
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	set := flag.NewFlagSet("voice-clone-client", flag.ContinueOnError)
	set.StringVar(&flags.source, flagSource, "", flagSourceDesc)
	set.StringVar(&flags.target, flagTarget, "", flagTargetDesc)
	set.StringVar(&flags.output, flagOutput, defaultOutputFile, flagOutputDesc)
	set.StringVar(&flags.url, flagURL, defaultServiceURL, flagURLDesc)
	set.IntVar(&flags.steps, flagSteps, core.DefaultDiffusionSteps, flagStepsDesc)
	set.Float64Var(&flags.cfgRate, flagCFG, core.DefaultInferenceCFGRate, flagCFGDesc)
	set.Float64Var(&flags.lengthAdjust, flagLength, core.DefaultLengthAdjust, flagLengthDesc)
	set.IntVar(&flags.pitchShift, flagPitch, 0, flagPitchDesc)
	set.BoolVar(&flags.noF0, flagNoF0, false, flagNoF0Desc)
	set.BoolVar(&flags.noAutoF0, flagNoAuto, false, flagNoAutoDesc)
	set.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	set.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)

	err := set.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	set.Visit(func(f *flag.Flag) {
		switch f.Name {
		case flagSteps:
			flags.stepsSet = true
		case flagCFG:
			flags.cfgRateSet = true
		case flagLength:
			flags.lengthSet = true
		case flagPitch:
			flags.pitchShiftSet = true
		}
	})

	flags.url = strings.TrimRight(flags.url, "/")

	return flags, nil
}

// validateFlags checks required and conflicting arguments.
func validateFlags(flags appFlags) error {
	if flags.source == "" {
		return fmt.Errorf("%w: %s", ErrMissingInput, errSourceRequired)
	}

	if flags.target == "" {
		return fmt.Errorf("%w: %s", ErrMissingInput, errTargetRequired)
	}

	return nil
}

// formFields returns the parameter fields to send. Flags left at their
// defaults are omitted so the server applies its own.
func formFields(flags appFlags) map[string]string {
	fields := make(map[string]string)

	if flags.stepsSet {
		fields[core.FieldDiffusionSteps] = strconv.Itoa(flags.steps)
	}

	if flags.cfgRateSet {
		fields[core.FieldInferenceCFGRate] = strconv.FormatFloat(flags.cfgRate, 'f', -1, 64)
	}

	if flags.lengthSet {
		fields[core.FieldLengthAdjust] = strconv.FormatFloat(flags.lengthAdjust, 'f', -1, 64)
	}

	if flags.pitchShiftSet {
		fields[core.FieldPitchShift] = strconv.Itoa(flags.pitchShift)
	}

	if flags.noF0 {
		fields[core.FieldF0Condition] = "false"
	}

	if flags.noAutoF0 {
		fields[core.FieldAutoF0Adjust] = "false"
	}

	return fields
}

// buildCloneRequest encodes both recordings and the parameters as
// multipart/form-data.
func buildCloneRequest(ctx context.Context, flags appFlags) (*http.Request, error) {
	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	uploads := []struct{ field, path string }{
		{session.FieldSourceAudio, flags.source},
		{session.FieldTargetAudio, flags.target},
	}

	for _, upload := range uploads {
		data, err := os.ReadFile(upload.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", upload.path, err)
		}

		part, err := writer.CreateFormFile(upload.field, filepath.Base(upload.path))
		if err != nil {
			return nil, fmt.Errorf("failed to create form part %s: %w", upload.field, err)
		}

		_, err = part.Write(data)
		if err != nil {
			return nil, fmt.Errorf("failed to write form part %s: %w", upload.field, err)
		}
	}

	for name, value := range formFields(flags) {
		err := writer.WriteField(name, value)
		if err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", name, err)
		}
	}

	err := writer.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, flags.url+server.PathClone, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())

	return req, nil
}

// clone posts both recordings and writes the converted audio to flags.output.
func clone(ctx context.Context, client *http.Client, flags appFlags, log *logger.Logger) error {
	req, err := buildCloneRequest(ctx, flags)
	if err != nil {
		return err
	}

	log.Info(logCloneStarted, flags.source, flags.target, flags.url)

	started := time.Now()

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send clone request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return serviceError(resp)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read converted audio: %w", err)
	}

	dir := filepath.Dir(flags.output)

	dirErr := fileutil.EnsureDir(dir)
	if dirErr != nil {
		return fmt.Errorf("failed to create output directory: %w", dirErr)
	}

	err = os.WriteFile(flags.output, wav, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", flags.output, err)
	}

	log.Info(
		logCloneFinished, flags.output, fileutil.FormatFileSize(int64(len(wav))),
		resp.Header.Get("X-Session-ID"), fileutil.FormatDuration(time.Since(started)),
	)
	fmt.Printf(msgGenerated, flags.output)

	return nil
}

// checkHealth queries the liveness route and prints the result.
func checkHealth(ctx context.Context, client *http.Client, baseURL string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+server.PathHealth, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(out, errServiceNotHealth, err)

		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := serviceError(resp)
		fmt.Fprintf(out, errServiceNotHealth, statusErr)

		return statusErr
	}

	fmt.Fprintln(out, msgServiceHealthy)

	return nil
}

// serviceError turns a JSON error body into an error carrying its kind and,
// for failures worth retrying, a retry hint.
func serviceError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))

	var body server.ErrorResponse

	decodeErr := json.Unmarshal(raw, &body)
	if decodeErr != nil || body.Error == "" {
		return fmt.Errorf("%w: status %d: %s", ErrServiceStatus, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if !body.Kind.Retryable() {
		return fmt.Errorf("%w: status %d (%s): %s", ErrServiceStatus, resp.StatusCode, body.Kind, body.Error)
	}

	hint := "retryable"
	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		hint = "retry after " + retryAfter + "s"
	}

	return fmt.Errorf("%w: status %d (%s, %s): %s", ErrServiceStatus, resp.StatusCode, body.Kind, hint, body.Error)
}
