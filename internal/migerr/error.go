// Package migerr defines the migration engine's error-kind taxonomy.
//
// Every component documents which kinds it may raise (see SPEC_FULL.md
// section 4.x). Callers should use errors.Is against the Kind sentinels
// below rather than matching on message text.
package migerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy from spec.md section 7.
type Kind string

const (
	KindInvalidHostname    Kind = "invalid_hostname"
	KindLoginFailed        Kind = "login_failed"
	KindDeadlineExceeded   Kind = "deadline_exceeded"
	KindSessionLost        Kind = "session_lost"
	KindNotSuperuser       Kind = "not_superuser"
	KindPlatformUnresolved Kind = "platform_not_resolved"
	KindNoFlavor           Kind = "no_flavor"
	KindNoImage            Kind = "no_image"
	KindNoRsync            Kind = "no_rsync"
	KindWatchdogAlarm      Kind = "watchdog_alarm"
	KindRsyncFailed        Kind = "rsync_failed"
	KindCleanupFailed      Kind = "cleanup_failed"
)

// Error carries a Kind plus the phase/command context it occurred in.
type Error struct {
	Kind    Kind
	Phase   string // orchestrator state or component name, e.g. "Migrate", "ssh.query"
	Tag     string // command tag/sentinel, when applicable
	Cause   error
	Message string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Phase != "" {
		if e.Tag != "" {
			return fmt.Sprintf("%s[%s/%s]: %s", e.Kind, e.Phase, e.Tag, msg)
		}
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Phase, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, migerr.New(kind, "", nil)) style comparisons by Kind.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// New builds an *Error for the given kind, phase and cause.
func New(kind Kind, phase string, cause error) *Error {
	return &Error{Kind: kind, Phase: phase, Cause: cause}
}

// Newf builds an *Error with a formatted message instead of a wrapped cause.
func Newf(kind Kind, phase, format string, args ...any) *Error {
	return &Error{Kind: kind, Phase: phase, Message: fmt.Sprintf(format, args...)}
}

// WithTag returns a copy of e with Tag set, for command-level context.
func (e *Error) WithTag(tag string) *Error {
	cp := *e
	cp.Tag = tag
	return &cp
}

// Sentinel returns a bare *Error usable as an errors.Is target for a Kind.
func Sentinel(kind Kind) error { return &Error{Kind: kind} }
