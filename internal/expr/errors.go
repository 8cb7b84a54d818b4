package expr

import (
	"errors"
	"fmt"
	"strings"
)

// Reason classifies why an expression could not produce a result.
type Reason string

const (
	// ReasonParse marks malformed expressions or ones using undeclared names.
	ReasonParse Reason = "ParseError"
	// ReasonUnboundReference marks references to values not visible in the
	// current evaluation mode, such as retVal before invocation.
	ReasonUnboundReference Reason = "UnboundReference"
	// ReasonCoercion marks results that cannot become the requested type.
	ReasonCoercion Reason = "CoercionError"
)

// Sentinels matched by EvaluationError.Is.
var (
	ErrParse            = errors.New("expr: parse error")
	ErrUnboundReference = errors.New("expr: unbound reference")
	ErrCoercion         = errors.New("expr: coercion error")
)

// EvaluationError is the single error kind surfaced by the engine.
type EvaluationError struct {
	Reason     Reason
	Expression string
	Err        error
}

func (e *EvaluationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("expr: %s in %q", e.Reason, e.Expression)
	}
	return fmt.Sprintf("expr: %s in %q: %v", e.Reason, e.Expression, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Is lets callers match on the reason sentinels with errors.Is.
func (e *EvaluationError) Is(target error) bool {
	switch target {
	case ErrParse:
		return e.Reason == ReasonParse
	case ErrUnboundReference:
		return e.Reason == ReasonUnboundReference
	case ErrCoercion:
		return e.Reason == ReasonCoercion
	}
	return false
}

// ReasonOf extracts the reason from err, or "" when err is not an
// EvaluationError.
func ReasonOf(err error) Reason {
	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		return evalErr.Reason
	}
	return ""
}

func newError(reason Reason, expression string, err error) error {
	return &EvaluationError{Reason: reason, Expression: expression, Err: err}
}

// classifyRuntime maps a CEL evaluation failure onto a reason. Missing keys,
// fields and attributes mean the expression reached for something the
// context does not hold; anything else is a type mismatch.
func classifyRuntime(expression string, err error) error {
	msg := err.Error()
	for _, marker := range []string{"no such key", "no such attribute", "no such field", "undeclared reference", "out of range", "out of bounds"} {
		if strings.Contains(msg, marker) {
			return newError(ReasonUnboundReference, expression, err)
		}
	}
	return newError(ReasonCoercion, expression, err)
}
