package filesystem

import (
	"fmt"
	"os"

	"emperror.dev/errors"
	"github.com/apex/log"
)

type ErrorCode string

// The closed set of verdicts the filesystem can hand back to a caller. The
// first five are produced by path resolution itself, the remainder by the
// operations built on top of it.
const (
	ErrCodeMalformedInput  ErrorCode = "E_BADINPUT"
	ErrCodePathResolution  ErrorCode = "E_BADPATH"
	ErrNotExist            ErrorCode = "E_NOTEXIST"
	ErrCodeInvalidType     ErrorCode = "E_BADTYPE"
	ErrCodeInternal        ErrorCode = "E_INTERNAL"
	ErrCodeConflict        ErrorCode = "E_EXISTS"
	ErrCodeTooLarge        ErrorCode = "E_TOOLARGE"
	ErrCodeUnsupportedType ErrorCode = "E_BADMIME"
	ErrCodeDenylistFile    ErrorCode = "E_DENYLIST"
	ErrCodeBadRequest      ErrorCode = "E_BADREQUEST"
)

type Error struct {
	code ErrorCode
	// Contains the path the caller provided. This is untrusted input and is
	// only ever used for logging and error messages.
	path string
	// The resolved location on the disk, if resolution got that far.
	resolved string
	// Optional message replacing the generic one for the code.
	msg string
	err error
}

// newFilesystemError returns a new error instance with a stack trace attached.
func newFilesystemError(code ErrorCode, err error) error {
	return errors.WithStackDepth(&Error{code: code, err: err}, 1)
}

// newPathError returns an error tied to the untrusted path that triggered it.
func newPathError(code ErrorCode, path string, err error) error {
	return errors.WithStackDepth(&Error{code: code, path: path, err: err}, 1)
}

// newMessageError returns an error carrying a specific message that is safe
// to surface to the caller.
func newMessageError(code ErrorCode, path string, msg string) error {
	return errors.WithStackDepth(&Error{code: code, path: path, msg: msg}, 1)
}

// NewBadPathResolution returns an error for a path that resolves to a location
// outside the jail root, or that otherwise cannot be proven to stay inside it.
func NewBadPathResolution(path string, resolved string) error {
	return errors.WithStackDepth(&Error{code: ErrCodePathResolution, path: path, resolved: resolved}, 1)
}

// Code returns the error code for this filesystem error.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Path returns the untrusted path the caller provided.
func (e *Error) Path() string {
	return e.path
}

// Message returns the specific message set on this error, if any.
func (e *Error) Message() string {
	return e.msg
}

// Error returns a human-readable error string to identify the Error by.
func (e *Error) Error() string {
	if e.msg != "" {
		return "filesystem: " + e.msg
	}
	switch e.code {
	case ErrCodeMalformedInput:
		return fmt.Sprintf("filesystem: malformed input [%s]", e.path)
	case ErrCodePathResolution:
		r := e.resolved
		if r == "" {
			r = "<empty>"
		}
		return fmt.Sprintf("filesystem: path [%s] resolves to a location outside the jail root: %s", e.path, r)
	case ErrNotExist:
		return fmt.Sprintf("filesystem: [%s] does not exist", e.path)
	case ErrCodeInvalidType:
		return fmt.Sprintf("filesystem: [%s] is not the expected type", e.path)
	case ErrCodeInternal:
		return "filesystem: jail root could not be resolved"
	case ErrCodeConflict:
		return fmt.Sprintf("filesystem: [%s] already exists", e.path)
	case ErrCodeTooLarge:
		return "filesystem: upload exceeds the maximum allowed size"
	case ErrCodeUnsupportedType:
		return fmt.Sprintf("filesystem: [%s] is not an accepted file type", e.path)
	case ErrCodeDenylistFile:
		return fmt.Sprintf("filesystem: file access prohibited: [%s] is on the denylist", e.path)
	}
	if e.err != nil {
		return "filesystem: unhandled error: " + e.err.Error()
	}
	return "filesystem: unhandled error"
}

// Unwrap returns the underlying cause of this filesystem error, if any.
func (e *Error) Unwrap() error {
	return e.err
}

// IsErrorCode checks if "err" is a filesystem Error type. If so, it will then
// drop in and check that the error code is the same as the provided ErrorCode
// passed in "code".
func IsErrorCode(err error, code ErrorCode) bool {
	var fserr *Error
	if errors.As(err, &fserr) {
		return fserr.code == code
	}
	return false
}

// IsFilesystemError returns the filesystem error wrapped by err, if any.
func IsFilesystemError(err error) (*Error, bool) {
	var fserr *Error
	if errors.As(err, &fserr) {
		return fserr, true
	}
	return nil, false
}

// Generates an error logger instance with some basic information.
func (fs *Filesystem) error(err error) *log.Entry {
	return log.WithField("subsystem", "filesystem").WithField("root", fs.root).WithField("error", err)
}

// Converts an error from a metadata probe (lstat, readlink) into one of the
// resolution verdicts. Anything that is not a plain "missing" result means the
// location cannot be proven to sit inside the jail.
func probeError(path string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist) || isNotDirectory(err):
		return newPathError(ErrNotExist, path, err)
	case isNameTooLong(err):
		return newPathError(ErrCodeMalformedInput, path, err)
	}
	return errors.WithStackDepth(&Error{code: ErrCodePathResolution, path: path, err: err}, 1)
}
