package n2fs

import (
	"fmt"

	"github.com/dsoprea/go-logging"
)

// Kind enumerates the visible error kinds a caller of this package can
// branch on, mirroring the `enum N2FS_error` values of the original
// implementation without exposing raw negative integers.
type Kind int

const (
	KindOK Kind = iota
	KindIO
	KindNoSpace
	KindNoMemory
	KindNoData
	KindNoID
	KindNameTooLong
	KindTooManyOpen
	KindNoFather
	KindNoEnt
	KindExist
	KindNotDir
	KindIsDir
	KindNotEmpty
	KindBadFile
	KindFileTooBig
	KindInval
	KindNoDirOpen
	KindNoFileOpen
	KindCorrupt
	KindWrongCalc
	KindWrongConfig
	KindWrongHead
	KindWrongProg
	KindNotInList
	KindTreeEntryNotFound
	KindCantDelete
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindIO:
		return "io"
	case KindNoSpace:
		return "nospc"
	case KindNoMemory:
		return "nomem"
	case KindNoData:
		return "nodata"
	case KindNoID:
		return "noid"
	case KindNameTooLong:
		return "nametoolong"
	case KindTooManyOpen:
		return "muchopen"
	case KindNoFather:
		return "nofather"
	case KindNoEnt:
		return "noent"
	case KindExist:
		return "exist"
	case KindNotDir:
		return "notdir"
	case KindIsDir:
		return "isdir"
	case KindNotEmpty:
		return "notempty"
	case KindBadFile:
		return "badf"
	case KindFileTooBig:
		return "fbig"
	case KindInval:
		return "inval"
	case KindNoDirOpen:
		return "nodiropen"
	case KindNoFileOpen:
		return "nofileopen"
	case KindCorrupt:
		return "corrupt"
	case KindWrongCalc:
		return "wrongcal"
	case KindWrongConfig:
		return "wrongcfg"
	case KindWrongHead:
		return "wronghead"
	case KindWrongProg:
		return "wrongprog"
	case KindNotInList:
		return "notinlist"
	case KindTreeEntryNotFound:
		return "tentry_nofound"
	case KindCantDelete:
		return "cantdelete"
	default:
		return "unknown"
	}
}

// fsError carries a Kind alongside the wrapped go-logging error so that
// callers can branch on cause without parsing message text.
type fsError struct {
	kind  Kind
	cause error
}

func (e *fsError) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.cause)
}

func (e *fsError) Unwrap() error {
	return e.cause
}

// newErr builds a Kind-tagged error the way go-exfat builds a wrapped
// error with log.Errorf, then immediately wraps it with log.Wrap so that
// the call stack is attached.
func newErr(kind Kind, format string, args ...interface{}) error {
	cause := log.Errorf(format, args...)
	return &fsError{kind: kind, cause: log.Wrap(cause)}
}

// errKind extracts the Kind from an error produced by this package,
// defaulting to KindIO for anything from the flash driver or the host
// that wasn't constructed through newErr.
func errKind(err error) Kind {
	if err == nil {
		return KindOK
	}

	if fe, ok := err.(*fsError); ok {
		return fe.kind
	}

	return KindIO
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return errKind(err) == kind
}

// fatal reports whether a Kind is fatal to the mount per spec §7: the
// filesystem must refuse further operations until re-mounted.
func (k Kind) fatal() bool {
	switch k {
	case KindCorrupt, KindWrongHead, KindWrongConfig, KindWrongCalc:
		return true
	default:
		return false
	}
}
