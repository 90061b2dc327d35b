package tplengine

import (
	"errors"
	"fmt"
)

// ErrResolution is matched by every *ResolutionError via errors.Is.
var ErrResolution = errors.New("template resolution failed")

type ResolutionKind string

const (
	KindUnresolvedPath  ResolutionKind = "unresolved_path"
	KindUnknownFunction ResolutionKind = "unknown_function"
	KindSyntax          ResolutionKind = "syntax"
	KindEvaluation      ResolutionKind = "evaluation"
)

// ResolutionError reports why an expression could not be resolved in
// validating mode. Path or Function names the offending reference.
type ResolutionError struct {
	Kind       ResolutionKind
	Expression string
	Path       string
	Function   string
	Err        error
}

func (e *ResolutionError) Error() string {
	switch e.Kind {
	case KindUnresolvedPath:
		return fmt.Sprintf("unresolved variable %q in expression %q", e.Path, e.Expression)
	case KindUnknownFunction:
		return fmt.Sprintf("unknown function %q in expression %q", e.Function, e.Expression)
	case KindSyntax:
		return fmt.Sprintf("syntax error in expression %q: %v", e.Expression, e.Err)
	default:
		return fmt.Sprintf("cannot evaluate expression %q: %v", e.Expression, e.Err)
	}
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func (e *ResolutionError) Is(target error) bool { return target == ErrResolution }
