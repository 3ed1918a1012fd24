package pemi

//
// Error kinds and process exit codes (spec §7).
//

import (
	"errors"
	"fmt"
)

// ErrConfig indicates a startup configuration error. The process should
// exit with [ExitConfigError].
var ErrConfig = errors.New("pemi: configuration error")

// newErrConfig wraps a message as an [ErrConfig].
func newErrConfig(message string) error {
	return fmt.Errorf("%w: %s", ErrConfig, message)
}

// ErrFatalIO indicates a socket that is permanently unusable. The process
// should exit with [ExitFatalIOError].
var ErrFatalIO = errors.New("pemi: fatal i/o error")

// ErrInvariant indicates an internal invariant violation. This should never
// happen in practice; its presence signals a bug. The process should exit
// with [ExitInvariantViolation].
var ErrInvariant = errors.New("pemi: invariant violation")

// newErrInvariant wraps a message as an [ErrInvariant].
func newErrInvariant(message string) error {
	return fmt.Errorf("%w: %s", ErrInvariant, message)
}

// ErrQUICParse indicates that the short-header parser could not make sense
// of a UDP payload. Per spec §4.2 this is never fatal: the caller should
// treat it the same as [ErrSkip] and forward the packet unmodified.
var ErrQUICParse = errors.New("pemi: quic parse error")

// newErrQUICParse wraps a message as an [ErrQUICParse].
func newErrQUICParse(message string) error {
	return fmt.Errorf("%w: %s", ErrQUICParse, message)
}

// ErrSkip is returned by the parser for any datagram it cannot parse as a
// QUIC short-header or long-header packet: too short, truncated, or
// otherwise malformed input. Long-header packets that parse are not skipped;
// they are returned as long-header info. It is never an error the engine should react to beyond forwarding
// the packet unchanged.
var ErrSkip = errors.New("pemi: skip packet")

// ErrNoPacket reports that a read found nothing; callers should treat it as
// "try again later". None of the [PacketIO] implementations in this package
// return it: their NextPacket blocks until a packet, cancellation, or close.
var ErrNoPacket = errors.New("pemi: no packet available")

// ErrShimClosed is returned by [PacketIO] methods once [PacketIO.Close] has
// been called.
var ErrShimClosed = errors.New("pemi: packet i/o shim closed")

// ExitCode is a process exit code, as specified in spec §6.
type ExitCode int

const (
	// ExitClean is a clean shutdown.
	ExitClean ExitCode = 0

	// ExitConfigError indicates a configuration error.
	ExitConfigError ExitCode = 1

	// ExitFatalIOError indicates a socket permanently failed.
	ExitFatalIOError ExitCode = 2

	// ExitInvariantViolation indicates an internal bug.
	ExitInvariantViolation ExitCode = 3
)

// ExitCodeForError maps an error returned by [Engine.Run] to the process
// exit code that [cmd/pemi-mb] should use. It returns [ExitClean] for a nil
// error.
func ExitCodeForError(err error) ExitCode {
	switch {
	case err == nil:
		return ExitClean
	case errors.Is(err, ErrConfig):
		return ExitConfigError
	case errors.Is(err, ErrInvariant):
		return ExitInvariantViolation
	case errors.Is(err, ErrFatalIO):
		return ExitFatalIOError
	default:
		return ExitFatalIOError
	}
}
