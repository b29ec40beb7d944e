package imagegen

import (
	"errors"
	"fmt"

	"sdlora_server/sdruntime"
)

// Sentinel errors returned by Pipeline.Generate.
var (
	ErrModelNotLoaded = errors.New("imagegen: model not loaded")
	ErrEmptyPrompt    = errors.New("imagegen: prompt cannot be empty")
	ErrInvalidRequest = errors.New("imagegen: invalid request")
	ErrPipelineClosed = errors.New("imagegen: pipeline closed")
)

// Error codes carried by GenerationError.
const (
	CodeTimeout     = "TIMEOUT"
	CodeOutOfMemory = "OUT_OF_MEMORY"
	CodeBusy        = "BUSY"
	CodeRemote      = "REMOTE_ERROR"
	CodeRuntime     = "RUNTIME_ERROR"
)

// GenerationError is a backend failure while producing an image. The request
// itself was valid.
type GenerationError struct {
	Code      string
	Message   string
	Retryable bool
	Cause     error
}

func (e *GenerationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *GenerationError) Unwrap() error {
	return e.Cause
}

// newGenerationError classifies a provider error.
func newGenerationError(err error) *GenerationError {
	ge := &GenerationError{Code: CodeRuntime, Message: "image generation failed", Cause: err}
	switch {
	case errors.Is(err, sdruntime.ErrGenerationTimeout):
		ge.Code, ge.Message, ge.Retryable = CodeTimeout, "image generation timed out", true
	case errors.Is(err, sdruntime.ErrAcquireTimeout):
		ge.Code, ge.Message, ge.Retryable = CodeBusy, "all model contexts are busy", true
	case errors.Is(err, sdruntime.ErrOutOfVRAM):
		ge.Code, ge.Message, ge.Retryable = CodeOutOfMemory, "out of GPU memory", true
	case errors.Is(err, errRemote):
		ge.Code, ge.Message = CodeRemote, "remote image API failed"
	}
	return ge
}

// IsRetryable reports whether err is a GenerationError worth retrying.
func IsRetryable(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge) && ge.Retryable
}
