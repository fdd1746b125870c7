package dbft

import (
	"errors"
	"fmt"
)

// ErrorKind classifies consensus failures.
type ErrorKind int

const (
	// KindInvalidConfig - 잘못된 검증자 설정 (시작 시 치명적)
	KindInvalidConfig ErrorKind = iota
	// KindInvalidStateTransition - 도달하면 안 되는 상태 전이 (치명적)
	KindInvalidStateTransition
	// KindMessageHandling - 서명/중복/인덱스 오류, 메시지 드롭
	KindMessageHandling
	// KindConsensusTimeout - 뷰 체인지를 유발하는 타이머 만료
	KindConsensusTimeout
	// KindViewChangeFailed
	KindViewChangeFailed
	// KindRecoveryFailed
	KindRecoveryFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidConfig:
		return "InvalidConfig"
	case KindInvalidStateTransition:
		return "InvalidStateTransition"
	case KindMessageHandling:
		return "MessageHandling"
	case KindConsensusTimeout:
		return "ConsensusTimeout"
	case KindViewChangeFailed:
		return "ViewChangeFailed"
	case KindRecoveryFailed:
		return "RecoveryFailed"
	default:
		return "Unknown"
	}
}

var (
	ErrInvalidConfig          = errors.New("invalid consensus config")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrMessageHandling        = errors.New("message handling failed")
	ErrConsensusTimeout       = errors.New("consensus timeout")
	ErrViewChangeFailed       = errors.New("view change failed")
	ErrRecoveryFailed         = errors.New("recovery failed")

	// ErrFatal marks errors that must halt the engine.
	ErrFatal = errors.New("fatal consensus error")

	ErrEngineStopped = errors.New("engine stopped")
)

// Error is a classified consensus error.
type Error struct {
	Kind ErrorKind

	// InvalidStateTransition
	From State
	To   State

	// ConsensusTimeout
	TimerType string

	Reason string
	Err    error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindInvalidStateTransition:
		msg = fmt.Sprintf("%s: %s -> %s", e.Kind, e.From, e.To)
	case KindConsensusTimeout:
		msg = fmt.Sprintf("%s: %s", e.Kind, e.TimerType)
	default:
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error kind, and ErrFatal for fatal kinds.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrFatal:
		return e.Fatal()
	case ErrInvalidConfig:
		return e.Kind == KindInvalidConfig
	case ErrInvalidStateTransition:
		return e.Kind == KindInvalidStateTransition
	case ErrMessageHandling:
		return e.Kind == KindMessageHandling
	case ErrConsensusTimeout:
		return e.Kind == KindConsensusTimeout
	case ErrViewChangeFailed:
		return e.Kind == KindViewChangeFailed
	case ErrRecoveryFailed:
		return e.Kind == KindRecoveryFailed
	}
	return false
}

// Fatal reports whether the engine must halt on this error.
func (e *Error) Fatal() bool {
	return e.Kind == KindInvalidConfig || e.Kind == KindInvalidStateTransition
}

func configError(format string, args ...any) error {
	return &Error{Kind: KindInvalidConfig, Reason: fmt.Sprintf(format, args...)}
}

func messageError(format string, args ...any) error {
	return &Error{Kind: KindMessageHandling, Reason: fmt.Sprintf(format, args...)}
}

func recoveryError(format string, args ...any) error {
	return &Error{Kind: KindRecoveryFailed, Reason: fmt.Sprintf(format, args...)}
}

func viewChangeError(format string, args ...any) error {
	return &Error{Kind: KindViewChangeFailed, Reason: fmt.Sprintf(format, args...)}
}

func transitionError(from, to State) error {
	return &Error{Kind: KindInvalidStateTransition, From: from, To: to}
}

// finalizeError wraps a storage failure during finalization; always fatal.
type finalizeError struct {
	height uint32
	err    error
}

func (e *finalizeError) Error() string {
	return fmt.Sprintf("failed to finalize block %d: %v", e.height, e.err)
}

func (e *finalizeError) Unwrap() error {
	return e.err
}

func (e *finalizeError) Is(target error) bool {
	return target == ErrFatal
}
