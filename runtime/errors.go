package runtime

import (
	"errors"
	"fmt"

	"github.com/dipeo/dipeo-engine/diagram"
)

// ErrorKind tags the eight node/run-level error categories from spec §7.
type ErrorKind string

const (
	KindValidationError        ErrorKind = "ValidationError"
	KindResolutionError        ErrorKind = "ResolutionError"
	KindHandlerContractError   ErrorKind = "HandlerContractError"
	KindTimeout                ErrorKind = "Timeout"
	KindHandlerError           ErrorKind = "HandlerError"
	KindMaxIterationReached    ErrorKind = "MaxIterationReached"
	KindCancelled              ErrorKind = "Cancelled"
	KindMaxStepsExceeded       ErrorKind = "MaxStepsExceeded"
)

// NodeError is a node-local failure: it never unwinds the scheduler, only
// surfaces as FAILED state plus a NodeError event.
type NodeError struct {
	NodeID  diagram.NodeID
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *NodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("runtime: %s on node %q: %s: %v", e.Kind, e.NodeID, e.Message, e.Cause)
	}
	return fmt.Sprintf("runtime: %s on node %q: %s", e.Kind, e.NodeID, e.Message)
}

func (e *NodeError) Unwrap() error { return e.Cause }

// EngineError is a fatal, run-ending failure distinct from any node-level
// FAILED: pre-run ValidationError, or an internal scheduler invariant
// violation (tracker lock poisoning, completion queue closed unexpectedly).
type EngineError struct {
	Message string
	Code    ErrorKind
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("runtime: fatal engine error [%s]: %s", e.Code, e.Message)
}

// Sentinel errors for specific run-ending conditions, checked with
// errors.Is by callers.
var (
	ErrMaxStepsExceeded = errors.New("runtime: global step cap exceeded")
	ErrCancelled        = errors.New("runtime: run cancelled")
	ErrNoProgress       = errors.New("runtime: no node ready and none running")
)
