// Package errors defines the typed error kinds surfaced to the operator
// by the provisioning pipeline. None of them carry a stack trace; they
// are meant to be printed as a single operator-facing line and, in
// cmd/trenchcoat, mapped to an exit code.
package errors

import "fmt"

// TrenchCoatError is the marker interface every kind below implements.
type TrenchCoatError interface {
	error
	IsTrenchCoatError() bool
}

// ConfigError covers bad input discovered before any hardware is
// touched: an unreadable bundle, a missing firmware file, an unknown
// bundle format version.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("config error: %s", e.Msg)
}
func (e *ConfigError) Unwrap() error       { return e.Err }
func (e *ConfigError) IsTrenchCoatError() bool { return true }

// SignatureError covers a bundle that fails hash or RSA verification.
// It is always fatal before any board is touched.
type SignatureError struct {
	Msg string
	Err error
}

func (e *SignatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signature error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("signature error: %s", e.Msg)
}
func (e *SignatureError) Unwrap() error       { return e.Err }
func (e *SignatureError) IsTrenchCoatError() bool { return true }

// DiscoveryTimeout covers a fleet-wide wait_for that never saw its
// target device count.
type DiscoveryTimeout struct {
	What    string
	Timeout string
}

func (e *DiscoveryTimeout) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s", e.Timeout, e.What)
}
func (e *DiscoveryTimeout) IsTrenchCoatError() bool { return true }

// TransportError covers loss of the serial channel mid-command.
type TransportError struct {
	Port string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: %v", e.Port, e.Err)
}
func (e *TransportError) Unwrap() error       { return e.Err }
func (e *TransportError) IsTrenchCoatError() bool { return true }

// BoardError covers an exception raised by the script running on the
// board, surfaced through the raw-REPL stderr channel.
type BoardError struct {
	Message string
}

func (e *BoardError) Error() string              { return fmt.Sprintf("board error: %s", e.Message) }
func (e *BoardError) IsTrenchCoatError() bool { return true }

// VerifyError covers a post-transfer hash mismatch. Paths are the
// on-device paths whose digest disagreed with the decoded-body digest.
type VerifyError struct {
	Paths []string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("hash verification failed for %d file(s): %v", len(e.Paths), e.Paths)
}
func (e *VerifyError) IsTrenchCoatError() bool { return true }

// Interrupted covers an operator-sent signal. It is not a failure; the
// CLI should exit 0 after a silent transport shutdown.
type Interrupted struct{}

func (e *Interrupted) Error() string              { return "interrupted" }
func (e *Interrupted) IsTrenchCoatError() bool { return true }
