package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers absent rooms, peers, transports, producers and consumers.
	// Out-of-order messages and post-disconnect races end up here.
	ErrNotFound = errors.New("not found")
	// ErrIncompatible is returned when a consumer cannot receive a producer
	// with the given RTP capabilities.
	ErrIncompatible = errors.New("incompatible rtp capabilities")
	// ErrEngine wraps any failure reported by the media engine.
	ErrEngine = errors.New("media engine error")
	// ErrFatal is the worker death. The process exits after a grace delay.
	ErrFatal = errors.New("media worker died")
	// ErrInvalidState is a message that the session state does not accept.
	ErrInvalidState = errors.New("invalid session state")

	ErrRoomClosed = fmt.Errorf("%w: room closed", ErrNotFound)
)

// EngineError tags err as a media engine failure of op. Not-found and
// incompatibility errors pass through untouched so callers can still tell them apart.
func EngineError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrIncompatible) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrEngine, op, err)
}

func NotFound(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
}
