package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned before a successful Init.
	ErrNotInitialized = errors.New("pipeline not initialized")
	// ErrReleased is returned after Release.
	ErrReleased = errors.New("pipeline released")
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("pipeline already initialized")
	// ErrInvalidFrame rejects frames with a bad size or a short buffer.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrInvalidRates rejects a non-positive bitrate.
	ErrInvalidRates = errors.New("invalid rates")
)

// Init steps reported in ConfigError.
const (
	StepValidate      = "validate"
	StepSetOutputType = "set_output_type"
	StepSetInputType  = "set_input_type"
	StepBegin         = "begin"
)

// ConfigError is a rejected Init step. It is fatal for the pipeline.
type ConfigError struct {
	Step  string
	Cause error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configure encoder: %s: %v", e.Step, e.Cause)
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}
