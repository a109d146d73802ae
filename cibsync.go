package cibsync

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// client-side synchronization for the cluster information base (cib).
// a `Cib` owns one signed-on session to the coordination daemon and
// keeps a locally cached mirror of the cluster document up to date by
// applying the daemon's diff notifications.

// connection privilege/transport variants understood by the daemon.
// the set of notification kinds the daemon will deliver depends on the
// connection type. see `SupportedNotify`.
type ConnectionType int

const (
	ConnectionTypeQuery ConnectionType = iota
	ConnectionTypeCommand
	ConnectionTypeCommandNonBlocking
)

func (self ConnectionType) String() string {
	switch self {
	case ConnectionTypeQuery:
		return "query"
	case ConnectionTypeCommand:
		return "command"
	case ConnectionTypeCommandNonBlocking:
		return "command-nonblocking"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

func ParseConnectionType(connTypeStr string) (ConnectionType, error) {
	switch connTypeStr {
	case "query":
		return ConnectionTypeQuery, nil
	case "command":
		return ConnectionTypeCommand, nil
	case "command-nonblocking":
		return ConnectionTypeCommandNonBlocking, nil
	default:
		return ConnectionType(0), fmt.Errorf("unknown connection type %q", connTypeStr)
	}
}

// notification kinds the daemon was able to register for a connection.
// callers must check these flags rather than assume universal support.
type NotifyFlags uint

const (
	NotifyDestroy   NotifyFlags = 0x1
	NotifyAddRemove NotifyFlags = 0x2
)

func (self NotifyFlags) Has(flags NotifyFlags) bool {
	return self&flags == flags
}

// which notification kinds a connection type can carry.
// non-blocking command connections cannot hold a diff subscription
// because diff delivery requires the synchronous reply channel.
func (self ConnectionType) SupportedNotify() NotifyFlags {
	switch self {
	case ConnectionTypeQuery, ConnectionTypeCommand:
		return NotifyDestroy | NotifyAddRemove
	case ConnectionTypeCommandNonBlocking:
		return NotifyDestroy
	default:
		return 0
	}
}

// daemon result codes. zero is success, negative codes are failures.
type Rc int

const (
	RcOk               Rc = 0
	RcFailed           Rc = -1
	RcNotConnected     Rc = -2
	RcConnectionFailed Rc = -3
	RcAuthFailed       Rc = -4
	RcNotSupported     Rc = -5
	RcNoSuchSection    Rc = -6
	RcTimeout          Rc = -7
	RcBadPayload       Rc = -8
)

func (self Rc) String() string {
	switch self {
	case RcOk:
		return "ok"
	case RcFailed:
		return "operation failed"
	case RcNotConnected:
		return "not connected"
	case RcConnectionFailed:
		return "connection failed"
	case RcAuthFailed:
		return "authorization failed"
	case RcNotSupported:
		return "not supported"
	case RcNoSuchSection:
		return "no such section"
	case RcTimeout:
		return "timed out"
	case RcBadPayload:
		return "bad payload"
	default:
		return "unknown error"
	}
}

// error type returned by the functions in this package.
// wraps the daemon result code so callers can branch on it.
type CibError struct {
	Rc  Rc
	msg string
}

func NewCibError(rc Rc, format string, a ...any) *CibError {
	return &CibError{
		Rc:  rc,
		msg: fmt.Sprintf(format, a...),
	}
}

func RcError(rc Rc) *CibError {
	return &CibError{
		Rc:  rc,
		msg: rc.String(),
	}
}

func (self *CibError) Error() string {
	return fmt.Sprintf("%d: %s", int(self.Rc), self.msg)
}

// the daemon code for an error, or `RcFailed` for untyped errors.
// nil maps to `RcOk`.
func ErrorRc(err error) Rc {
	if err == nil {
		return RcOk
	}
	var cibErr *CibError
	if errors.As(err, &cibErr) {
		return cibErr.Rc
	}
	return RcFailed
}

func IsNotSupported(err error) bool {
	return ErrorRc(err) == RcNotSupported
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}
