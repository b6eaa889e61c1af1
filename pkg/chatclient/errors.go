package chatclient

import (
	"errors"
	"fmt"
	"net/http"

	"streamchat/pkg/ai"
	"streamchat/pkg/chatapi"
)

var (
	ErrNotResumable     = errors.New("message is not streaming")
	ErrEmptyMessage     = errors.New("message has neither text nor attachments")
	ErrAlreadyStreaming = errors.New("message is already streaming into this cache")
	// ErrDetached ends a resumed run that stopped following its stream before
	// a terminal event. The durable message is left to its owner.
	ErrDetached = errors.New("stopped following the stream before it finished")
)

// User-visible texts written into failed messages.
const (
	msgGenerationFailed = "Something went wrong while generating this response. Please try again."
	msgInterrupted      = "The response was interrupted before it finished."
)

// APIError is a structured rejection, either from pre-flight checks or from
// the generation endpoint.
type APIError struct {
	Status   int
	Type     string
	Message  string
	SetupURL string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (%d)", e.Type, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap maps well-known types to package sentinels.
func (e *APIError) Unwrap() error {
	switch e.Type {
	case chatapi.ErrorUnknownModel:
		return ai.ErrUnknownModel
	case chatapi.ErrorMissingKey:
		return ai.ErrMissingKey
	}
	return nil
}

// preflightError converts registry failures into APIErrors.
func preflightError(err error) error {
	var missing *ai.MissingKeyError
	switch {
	case errors.As(err, &missing):
		return &APIError{
			Status:   http.StatusBadRequest,
			Type:     chatapi.ErrorMissingKey,
			Message:  missing.Error(),
			SetupURL: missing.SetupURL,
		}
	case errors.Is(err, ai.ErrUnknownModel):
		return &APIError{Status: http.StatusBadRequest, Type: chatapi.ErrorUnknownModel, Message: err.Error()}
	}
	return err
}
