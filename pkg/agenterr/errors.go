package agenterr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the recovery the state machine applies to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig is fatal at startup.
	KindConfig
	// KindProbe covers network and parse failures talking to the update server.
	KindProbe
	// KindValidation rejects update metadata before any object is fetched.
	KindValidation
	// KindTransfer covers object fetch, digest mismatch and cancellation.
	KindTransfer
	// KindInstall is raised by an install mode handler.
	KindInstall
	// KindBusy is returned to control-surface callers while an update is in flight.
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindProbe:
		return "probe"
	case KindValidation:
		return "validation"
	case KindTransfer:
		return "transfer"
	case KindInstall:
		return "install"
	case KindBusy:
		return "busy"
	default:
		return "unknown"
	}
}

var (
	ErrNoDownloadInProgress = errors.New("there is no download to be aborted")
	ErrCancelled            = errors.New("transfer cancelled")
	ErrDigestMismatch       = errors.New("sha256sum mismatch")
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %s", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Config(op string, err error) error     { return New(KindConfig, op, err) }
func Probe(op string, err error) error      { return New(KindProbe, op, err) }
func Validation(op string, err error) error { return New(KindValidation, op, err) }
func Transfer(op string, err error) error   { return New(KindTransfer, op, err) }
func Install(op string, err error) error    { return New(KindInstall, op, err) }

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// BusyError reports the state that made a request unservable.
type BusyError struct {
	State string
}

func (b *BusyError) Error() string {
	return fmt.Sprintf("agent is busy in state %s", b.State)
}

func IsBusy(err error) bool {
	var b *BusyError
	return errors.As(err, &b)
}
