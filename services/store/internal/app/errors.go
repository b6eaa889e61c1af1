package app

import "errors"

var (
	// ErrInvalidRequest covers ids and payloads that can never be stored.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrMixedThreads rejects a message batch that spans threads.
	ErrMixedThreads = errors.New("messages belong to different threads")
)
