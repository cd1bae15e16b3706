package transport

import "errors"

var (
	// ErrTransportUnavailable reports a send or receive that failed at the
	// socket boundary: no connected peer, a write error, or a closed endpoint.
	// Video and screen payloads are dropped on it; audio is retried.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrInvalidAudio reports an inbound message that is not 16-bit PCM.
	ErrInvalidAudio = errors.New("invalid inbound audio")
)
