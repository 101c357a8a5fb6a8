//go:build unix

package filesystem

import (
	"emperror.dev/errors"
	"golang.org/x/sys/unix"
)

// A path component that is a regular file being treated like a directory, for
// example "song.mp3/cover.jpg".
func isNotDirectory(err error) bool {
	return errors.Is(err, unix.ENOTDIR)
}

func isNameTooLong(err error) bool {
	return errors.Is(err, unix.ENAMETOOLONG)
}

// Linux reports ENOTEMPTY when removing a populated directory, some other
// systems report EEXIST for the same condition.
func isDirectoryNotEmpty(err error) bool {
	return errors.Is(err, unix.ENOTEMPTY) || errors.Is(err, unix.EEXIST)
}
