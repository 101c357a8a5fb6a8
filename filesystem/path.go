package filesystem

import (
	"os"
	"path/filepath"
	"strings"
)

// A target is the outcome of locating an untrusted path on the disk before the
// jail check runs. It is either a location that already exists and has been
// canonicalized in full, or a location that does not exist yet and is anchored
// at its canonical parent. Containment is always checked against anchor(),
// which is the part of the target the filesystem was able to canonicalize.
type target interface {
	anchor() string
	validate(p string) error
	resolved() string
}

type existingTarget struct {
	path string
}

func (t existingTarget) anchor() string        { return t.path }
func (t existingTarget) validate(string) error { return nil }
func (t existingTarget) resolved() string      { return t.path }

// A location that does not exist yet. Only the parent has been canonicalized,
// the leaf is the final segment exactly as the caller wrote it.
type pendingTarget struct {
	parent string
	leaf   string
}

func (t pendingTarget) anchor() string { return t.parent }

func (t pendingTarget) validate(p string) error {
	if t.leaf == "." || t.leaf == ".." {
		return NewBadPathResolution(p, t.parent+"/"+t.leaf)
	}
	return nil
}

func (t pendingTarget) resolved() string {
	return filepath.Join(t.parent, t.leaf)
}

// Resolve takes an untrusted path relative to the jail root and returns the
// canonical location on the disk that it refers to. An error is returned if the
// path cannot be proven to point at, or inside of, the jail root.
//
// The target does not need to exist, but its parent directory does. This makes
// it possible to resolve the destination of an upload, move or new directory.
//
// The result is only valid at the moment it is returned. Nothing is cached and
// nothing is held open, so anything using the path afterwards has to accept the
// filesystem may have changed in between.
func (fs *Filesystem) Resolve(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", newMessageError(ErrCodeMalformedInput, p, "invalid path: null byte")
	}

	root, err := fs.canonicalRoot()
	if err != nil {
		return "", err
	}

	t, err := locate(root, p)
	if err != nil {
		return "", err
	}

	// If the canonical part of the target doesn't start with the jail root there
	// is clearly an escape attempt going on, regardless of how it was achieved.
	if !isWithin(root, t.anchor()) {
		return "", NewBadPathResolution(p, t.anchor())
	}

	if err := t.validate(p); err != nil {
		return "", err
	}

	return t.resolved(), nil
}

// ResolveExisting resolves the path and requires that something exists there.
func (fs *Filesystem) ResolveExisting(p string) (string, error) {
	cleaned, err := fs.Resolve(p)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(cleaned); err != nil {
		return "", probeError(p, err)
	}
	return cleaned, nil
}

// ResolveDirectory resolves the path and requires that it is a directory.
func (fs *Filesystem) ResolveDirectory(p string) (string, error) {
	cleaned, err := fs.Resolve(p)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(cleaned)
	if err != nil {
		return "", probeError(p, err)
	}
	if !st.IsDir() {
		return "", newMessageError(ErrCodeInvalidType, p, "not a directory: "+p)
	}
	return cleaned, nil
}

// ResolveFile resolves the path and requires that it is a regular file. Anything
// else at that location, a directory included, is reported as not existing so
// a caller asking for a file learns nothing about what else is on the disk.
func (fs *Filesystem) ResolveFile(p string) (string, error) {
	cleaned, err := fs.Resolve(p)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(cleaned)
	if err != nil {
		return "", probeError(p, err)
	}
	if !st.Mode().IsRegular() {
		return "", newMessageError(ErrNotExist, p, "file not found: "+p)
	}
	return cleaned, nil
}

// Finds where the untrusted path lands on the disk, relative to an already
// canonical root. No containment decision is made here.
func locate(root string, p string) (target, error) {
	normalized := strings.TrimLeft(p, "/")
	if normalized == "" {
		normalized = "."
	}

	// This is a plain concatenation on purpose. Cleaning the path first would
	// collapse "link/.." lexically, while the kernel and EvalSymlinks walk it
	// through whatever "link" actually points at.
	candidate := strings.TrimSuffix(root, "/") + "/" + normalized

	_, err := os.Lstat(candidate)
	if err == nil {
		c, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			// The entry exists but cannot be followed to its end, which is
			// a dangling or looping symlink. Where it points cannot be known so
			// it cannot be proven to be inside the jail.
			return nil, NewBadPathResolution(p, "")
		}
		return existingTarget{path: c}, nil
	}
	if !os.IsNotExist(err) && !isNotDirectory(err) {
		return nil, probeError(p, err)
	}

	// The requested location doesn't exist, so anchor it at the parent directory
	// which must exist and is canonicalized in its place. Splitting is done on
	// the raw string, filepath.Dir would clean away ".." segments lexically.
	trimmed := strings.TrimRight(candidate, "/")
	i := strings.LastIndex(trimmed, "/")
	parent, leaf := trimmed[:i], trimmed[i+1:]
	if parent == "" {
		parent = "/"
	}
	if leaf == "" {
		return nil, newMessageError(ErrCodeMalformedInput, p, "invalid path: no filename")
	}

	cp, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return nil, newMessageError(ErrNotExist, p, "parent directory not found")
	}
	if st, err := os.Stat(cp); err != nil || !st.IsDir() {
		return nil, newMessageError(ErrNotExist, p, "parent directory not found")
	}

	return pendingTarget{parent: cp, leaf: leaf}, nil
}

// Checks that p is the root or sits below it, comparing whole path components so
// that "/data2" is never considered to be inside of "/data".
func isWithin(root string, p string) bool {
	return strings.HasPrefix(strings.TrimSuffix(p, "/")+"/", strings.TrimSuffix(root, "/")+"/")
}

// Returns the canonical form of the jail root. This is evaluated on every call
// since the root itself could be a symlink that has been changed.
func (fs *Filesystem) canonicalRoot() (string, error) {
	r, err := filepath.EvalSymlinks(fs.root)
	if err != nil {
		fs.error(err).Error("failed to canonicalize jail root")
		return "", newFilesystemError(ErrCodeInternal, err)
	}
	return r, nil
}

// Returns the given canonical path relative to the jail root with no leading
// slash, which is the form denylist patterns are matched against.
func (fs *Filesystem) relative(p string) string {
	root, err := fs.canonicalRoot()
	if err != nil {
		root = fs.root
	}
	return strings.TrimPrefix(strings.TrimPrefix(p, strings.TrimSuffix(root, "/")), "/")
}
