package stitch

import (
	"errors"
	"fmt"
)

// Kind classifies a stitching failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNoFeaturesDetected
	KindInsufficientCorrespondences
	KindDegenerateConfiguration
	KindHomographyEstimationFailed
	KindBlendFailure
)

func (k Kind) String() string {
	switch k {
	case KindNoFeaturesDetected:
		return "no features detected"
	case KindInsufficientCorrespondences:
		return "insufficient correspondences"
	case KindDegenerateConfiguration:
		return "degenerate configuration"
	case KindHomographyEstimationFailed:
		return "homography estimation failed"
	case KindBlendFailure:
		return "blend failure"
	default:
		return "unknown stitch failure"
	}
}

// Sentinels for errors.Is. Every *Error of the matching Kind compares equal.
var (
	ErrNoFeaturesDetected          = &Error{Kind: KindNoFeaturesDetected}
	ErrInsufficientCorrespondences = &Error{Kind: KindInsufficientCorrespondences}
	ErrDegenerateConfiguration     = &Error{Kind: KindDegenerateConfiguration}
	ErrHomographyEstimationFailed  = &Error{Kind: KindHomographyEstimationFailed}
	ErrBlendFailure                = &Error{Kind: KindBlendFailure}

	// ErrNotEnoughFrames is returned by a fold over fewer than two frames.
	ErrNotEnoughFrames = errors.New("at least two frames are required")
)

// Error is the typed failure returned by every pipeline stage.
type Error struct {
	Kind   Kind
	Stage  string
	Detail string
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is reports whether target is a stitch error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
