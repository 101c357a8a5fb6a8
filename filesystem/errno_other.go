//go:build !unix

package filesystem

import (
	"syscall"

	"emperror.dev/errors"
)

func isNotDirectory(err error) bool {
	return errors.Is(err, syscall.ENOTDIR)
}

func isNameTooLong(err error) bool {
	return errors.Is(err, syscall.ENAMETOOLONG)
}

func isDirectoryNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY)
}
