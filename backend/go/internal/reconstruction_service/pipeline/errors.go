package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Stage names a step of the reconstruction pipeline. It is embedded in user-visible error messages.
type Stage string

const (
	StageValidate Stage = "validate"
	StageExtract  Stage = "extract-frames"
	StageInit     Stage = "geometry-init"
	StageTrain    Stage = "training"
	StageCollect  Stage = "collect-artifact"
	StagePublish  Stage = "publish"
	StageRender   Stage = "rendering"
	StageInternal Stage = "internal"
)

// ErrorKind classifies a stage failure.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindResource   ErrorKind = "resource"
	KindSubprocess ErrorKind = "subprocess"
	KindTimeout    ErrorKind = "timeout"
)

// StageError is the typed failure every Adapter stage returns.
type StageError struct {
	Stage Stage
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err for stage. A nil err yields a nil *StageError.
func NewStageError(stage Stage, kind ErrorKind, err error) *StageError {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// Errorf builds a StageError from a format string.
func Errorf(stage Stage, kind ErrorKind, format string, args ...interface{}) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of a StageError in err's chain, or "" when there is none.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// StageOf returns the stage of a StageError in err's chain, or fallback.
func StageOf(err error, fallback Stage) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return fallback
}

// IsTimeout reports whether err is a timeout StageError or a deadline overrun.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout || errors.Is(err, context.DeadlineExceeded)
}
