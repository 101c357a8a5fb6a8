package filesystem

import "strings"

// ValidateFilename checks that the name is a single, bare path segment that can
// be joined onto an already resolved directory without changing which directory
// it lands in. The name is returned unchanged when it is acceptable.
func ValidateFilename(name string) (string, error) {
	if name == "" {
		return "", newMessageError(ErrCodeMalformedInput, name, "empty filename")
	}
	if strings.ContainsAny(name, `/\`) {
		return "", newMessageError(ErrCodeMalformedInput, name, "filename cannot contain path separators")
	}
	if name == "." || name == ".." {
		return "", newMessageError(ErrCodeMalformedInput, name, "invalid filename")
	}
	if strings.ContainsRune(name, 0) {
		return "", newMessageError(ErrCodeMalformedInput, name, "invalid filename: null byte")
	}
	return name, nil
}
