package core

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// Recognised parameter field names.
const (
	FieldDiffusionSteps   = "diffusion_steps"
	FieldF0Condition      = "f0_condition"
	FieldAutoF0Adjust     = "auto_f0_adjust"
	FieldInferenceCFGRate = "inference_cfg_rate"
	FieldLengthAdjust     = "length_adjust"
	FieldPitchShift       = "pitch_shift"
)

// Parameter defaults and bounds.
const (
	DefaultDiffusionSteps    = 100
	DefaultMaxDiffusionSteps = 1000
	DefaultInferenceCFGRate  = 0.7
	DefaultLengthAdjust      = 1.0
	MaxLengthAdjust          = 4.0
	MaxPitchShift            = 24
)

const (
	errFmtNotInteger   = "%w: %s must be an integer, got %v"
	errFmtNotNumber    = "%w: %s must be a number, got %v"
	errFmtNotBoolean   = "%w: %s must be true or false, got %v"
	errFmtStepsRange   = "%w: %s must be between 1 and %d, got %d"
	errFmtCFGRange     = "%w: %s must be between 0.0 and 1.0, got %g"
	errFmtLengthRange  = "%w: %s must be greater than 0.0 and at most %.1f, got %g"
	errFmtPitchRange   = "%w: %s must be between -%d and %d semitones, got %d"
	errFmtUnsupportedT = "%w: %s has unsupported type %T"
)

// ConversionParameters is the validated parameter set for one conversion.
type ConversionParameters struct {
	DiffusionSteps   int     `json:"diffusion_steps"`
	F0Condition      bool    `json:"f0_condition"`
	AutoF0Adjust     bool    `json:"auto_f0_adjust"`
	InferenceCFGRate float64 `json:"inference_cfg_rate"`
	LengthAdjust     float64 `json:"length_adjust"`
	PitchShift       int     `json:"pitch_shift"`
}

// Limits bounds the parameters a caller may request.
type Limits struct {
	MaxDiffusionSteps int
}

// DefaultParameters returns the parameter set used when a request supplies
// no options.
func DefaultParameters() ConversionParameters {
	return ConversionParameters{
		DiffusionSteps:   DefaultDiffusionSteps,
		F0Condition:      true,
		AutoF0Adjust:     true,
		InferenceCFGRate: DefaultInferenceCFGRate,
		LengthAdjust:     DefaultLengthAdjust,
		PitchShift:       0,
	}
}

// FormFields converts multipart or urlencoded text fields into the raw map
// accepted by ParseParameters. Only the first value of each field is used.
func FormFields(values url.Values) map[string]any {
	raw := make(map[string]any, len(values))

	for key, vals := range values {
		if len(vals) > 0 {
			raw[key] = vals[0]
		}
	}

	return raw
}

// ParseParameters validates raw request fields and fills in defaults. Text
// values are accepted for every field because form fields arrive as text;
// empty text counts as absent. Unknown fields are ignored. Out-of-range
// values are rejected, never clamped.
func ParseParameters(raw map[string]any, limits Limits) (ConversionParameters, error) {
	params := DefaultParameters()

	maxSteps := limits.MaxDiffusionSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxDiffusionSteps
	}

	steps, present, err := intField(raw, FieldDiffusionSteps)
	if err != nil {
		return ConversionParameters{}, err
	}

	if present {
		if steps < 1 || steps > maxSteps {
			return ConversionParameters{}, fmt.Errorf(errFmtStepsRange, ErrValidation, FieldDiffusionSteps, maxSteps, steps)
		}

		params.DiffusionSteps = steps
	}

	boolErr := assignBool(raw, FieldF0Condition, &params.F0Condition)
	if boolErr != nil {
		return ConversionParameters{}, boolErr
	}

	boolErr = assignBool(raw, FieldAutoF0Adjust, &params.AutoF0Adjust)
	if boolErr != nil {
		return ConversionParameters{}, boolErr
	}

	cfgRate, present, err := floatField(raw, FieldInferenceCFGRate)
	if err != nil {
		return ConversionParameters{}, err
	}

	if present {
		if math.IsNaN(cfgRate) || cfgRate < 0 || cfgRate > 1 {
			return ConversionParameters{}, fmt.Errorf(errFmtCFGRange, ErrValidation, FieldInferenceCFGRate, cfgRate)
		}

		params.InferenceCFGRate = cfgRate
	}

	lengthAdjust, present, err := floatField(raw, FieldLengthAdjust)
	if err != nil {
		return ConversionParameters{}, err
	}

	if present {
		if math.IsNaN(lengthAdjust) || lengthAdjust <= 0 || lengthAdjust > MaxLengthAdjust {
			return ConversionParameters{}, fmt.Errorf(errFmtLengthRange, ErrValidation, FieldLengthAdjust, MaxLengthAdjust, lengthAdjust)
		}

		params.LengthAdjust = lengthAdjust
	}

	pitch, present, err := intField(raw, FieldPitchShift)
	if err != nil {
		return ConversionParameters{}, err
	}

	if present {
		if pitch < -MaxPitchShift || pitch > MaxPitchShift {
			return ConversionParameters{}, fmt.Errorf(errFmtPitchRange, ErrValidation, FieldPitchShift, MaxPitchShift, MaxPitchShift, pitch)
		}

		params.PitchShift = pitch
	}

	return params, nil
}

func assignBool(raw map[string]any, name string, dst *bool) error {
	value, present, err := boolField(raw, name)
	if err != nil {
		return err
	}

	if present {
		*dst = value
	}

	return nil
}

// lookup returns the field value, treating blank text as absent.
func lookup(raw map[string]any, name string) (any, bool) {
	value, ok := raw[name]
	if !ok || value == nil {
		return nil, false
	}

	if text, isText := value.(string); isText && strings.TrimSpace(text) == "" {
		return nil, false
	}

	return value, true
}

func intField(raw map[string]any, name string) (int, bool, error) {
	value, present := lookup(raw, name)
	if !present {
		return 0, false, nil
	}

	switch typed := value.(type) {
	case int:
		return typed, true, nil
	case int64:
		return int(typed), true, nil
	case float64:
		if typed != math.Trunc(typed) || math.IsInf(typed, 0) {
			return 0, true, fmt.Errorf(errFmtNotInteger, ErrValidation, name, typed)
		}

		return int(typed), true, nil
	case json.Number:
		parsed, err := strconv.Atoi(typed.String())
		if err != nil {
			return 0, true, fmt.Errorf(errFmtNotInteger, ErrValidation, name, typed)
		}

		return parsed, true, nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(typed))
		if err != nil {
			return 0, true, fmt.Errorf(errFmtNotInteger, ErrValidation, name, typed)
		}

		return parsed, true, nil
	default:
		return 0, true, fmt.Errorf(errFmtUnsupportedT, ErrValidation, name, value)
	}
}

func floatField(raw map[string]any, name string) (float64, bool, error) {
	value, present := lookup(raw, name)
	if !present {
		return 0, false, nil
	}

	var (
		parsed float64
		err    error
	)

	switch typed := value.(type) {
	case float64:
		parsed = typed
	case float32:
		parsed = float64(typed)
	case int:
		parsed = float64(typed)
	case int64:
		parsed = float64(typed)
	case json.Number:
		parsed, err = typed.Float64()
	case string:
		parsed, err = strconv.ParseFloat(strings.TrimSpace(typed), 64)
	default:
		return 0, true, fmt.Errorf(errFmtUnsupportedT, ErrValidation, name, value)
	}

	if err != nil || math.IsInf(parsed, 0) {
		return 0, true, fmt.Errorf(errFmtNotNumber, ErrValidation, name, value)
	}

	return parsed, true, nil
}

func boolField(raw map[string]any, name string) (bool, bool, error) {
	value, present := lookup(raw, name)
	if !present {
		return false, false, nil
	}

	switch typed := value.(type) {
	case bool:
		return typed, true, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "true":
			return true, true, nil
		case "false":
			return false, true, nil
		default:
			return false, true, fmt.Errorf(errFmtNotBoolean, ErrValidation, name, typed)
		}
	default:
		return false, true, fmt.Errorf(errFmtNotBoolean, ErrValidation, name, value)
	}
}
