package ai

import "errors"

var (
	ErrUpstream          = errors.New("ai upstream error")
	ErrUpstreamTimeout   = errors.New("ai upstream timeout")
	ErrMalformedResponse = errors.New("ai response malformed")
	ErrEmptyTranscript   = errors.New("transcript is empty")
)
