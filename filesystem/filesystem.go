package filesystem

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"emperror.dev/errors"
	"github.com/gammazero/workerpool"
	"github.com/karrick/godirwalk"
	ignore "github.com/sabhiram/go-gitignore"
)

// The number of directory entries inspected at the same time when listing a
// directory. Mimetype detection reads the head of every file.
const listWorkers = 8

type Filesystem struct {
	// The jail root as it was configured. It is canonicalized again on every
	// resolution.
	root     string
	denylist *ignore.GitIgnore
	// Set when at least one denylist pattern was configured, walking a tree
	// before removing it is skipped otherwise.
	hasDenylist bool

	// The maximum number of bytes a single uploaded file may contain. A value of
	// zero or less disables the limit.
	maxUploadSize int64
	// The number of bytes per second a single upload is allowed to be written at.
	// A value of zero or less disables throttling.
	uploadRateLimit int64
}

type Options struct {
	Denylist        []string
	MaxUploadSize   int64
	UploadRateLimit int64
}

// New returns a Filesystem jailed to the given root directory. The root must
// exist, be a directory and be resolvable, otherwise an error is returned and
// the caller should not continue starting up.
func New(root string, opts Options) (*Filesystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, newFilesystemError(ErrCodeInternal, err)
	}
	fs := &Filesystem{
		root:            abs,
		denylist:        ignore.CompileIgnoreLines(opts.Denylist...),
		hasDenylist:     len(opts.Denylist) > 0,
		maxUploadSize:   opts.MaxUploadSize,
		uploadRateLimit: opts.UploadRateLimit,
	}
	r, err := fs.canonicalRoot()
	if err != nil {
		return nil, err
	}
	if st, err := os.Stat(r); err != nil {
		return nil, newFilesystemError(ErrCodeInternal, err)
	} else if !st.IsDir() {
		return nil, newFilesystemError(ErrCodeInternal, errors.New("jail root is not a directory"))
	}
	return fs, nil
}

// Path returns the canonical root path for the Filesystem instance.
func (fs *Filesystem) Path() string {
	if r, err := fs.canonicalRoot(); err == nil {
		return r
	}
	return fs.root
}

// IsIgnored checks if any of the given canonical paths are in the denylist. If
// so an error is returned, otherwise nil is returned. Paths that are
// directories on the disk are matched with a trailing slash so that directory
// patterns such as "secret/" apply to the directory itself.
func (fs *Filesystem) IsIgnored(paths ...string) error {
	for _, p := range paths {
		st, err := os.Lstat(p)
		if err := fs.isIgnored(p, err == nil && st.IsDir()); err != nil {
			return err
		}
	}
	return nil
}

// Matches a single canonical path against the denylist. The caller decides if
// the path is a directory, which matters for locations that don't exist yet.
func (fs *Filesystem) isIgnored(p string, dir bool) error {
	rel := fs.relative(p)
	if rel == "" {
		return nil
	}
	match := rel
	if dir {
		match += "/"
	}
	if fs.denylist.MatchesPath(match) {
		return errors.WithStack(&Error{code: ErrCodeDenylistFile, path: rel, resolved: p})
	}
	return nil
}

// File returns a reader for a regular file in the jail along with the stat
// information for it.
func (fs *Filesystem) File(p string) (*os.File, *Stat, error) {
	cleaned, err := fs.ResolveFile(p)
	if err != nil {
		return nil, nil, err
	}
	st, err := fs.unsafeStat(cleaned)
	if err != nil {
		return nil, nil, probeError(p, err)
	}
	f, err := os.Open(cleaned)
	if err != nil {
		return nil, nil, probeError(p, err)
	}
	return f, st, nil
}

// CreateDirectory creates a single new directory. The parent must exist already
// and nothing may exist at the location.
func (fs *Filesystem) CreateDirectory(p string) error {
	cleaned, err := fs.Resolve(p)
	if err != nil {
		return err
	}
	if err := fs.isIgnored(cleaned, true); err != nil {
		return err
	}
	if _, err := os.Lstat(cleaned); err == nil {
		return newMessageError(ErrCodeConflict, p, "path already exists")
	}
	if err := os.Mkdir(cleaned, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return newMessageError(ErrCodeConflict, p, "path already exists")
		}
		return errors.Wrap(err, "filesystem: mkdir: failed to create directory")
	}
	return nil
}

// Rename moves (or renames) a file or directory. The source must exist, and the
// destination must not unless overwrite is set.
func (fs *Filesystem) Rename(from string, to string, overwrite bool) error {
	cleanedFrom, err := fs.ResolveExisting(from)
	if err != nil {
		return err
	}
	cleanedTo, err := fs.Resolve(to)
	if err != nil {
		return err
	}

	if cleanedFrom == fs.Path() {
		return newMessageError(ErrCodeBadRequest, from, "cannot move root directory")
	}
	// A directory takes everything below it along, so it can only be moved when
	// nothing in the tree is protected. The destination is matched as a
	// directory too, even though it doesn't exist yet.
	src, err := os.Lstat(cleanedFrom)
	if err != nil {
		return probeError(from, err)
	}
	if err := fs.isIgnored(cleanedFrom, src.IsDir()); err != nil {
		return err
	}
	if err := fs.isIgnored(cleanedTo, src.IsDir()); err != nil {
		return err
	}
	if err := fs.IsIgnored(cleanedTo); err != nil {
		return err
	}
	if src.IsDir() {
		if err := fs.checkTreeDenylist(cleanedFrom); err != nil {
			return err
		}
	}

	// If the target file or directory already exists the caller has to opt into
	// replacing it.
	if _, err := os.Lstat(cleanedTo); err == nil && !overwrite {
		return newMessageError(ErrCodeConflict, to, "destination already exists")
	}

	if src.IsDir() && isWithin(cleanedFrom, cleanedTo) {
		return newMessageError(ErrCodeBadRequest, from, "cannot move directory into itself")
	}

	if err := os.Rename(cleanedFrom, cleanedTo); err != nil {
		if isDirectoryNotEmpty(err) {
			return newMessageError(ErrCodeConflict, to, "destination already exists")
		}
		return errors.Wrap(err, "filesystem: rename: failed to move file")
	}
	return nil
}

// Delete removes a file or directory. Directories that still contain anything
// are only removed when recursive is set. The jail root itself can never be
// removed.
func (fs *Filesystem) Delete(p string, recursive bool) error {
	cleaned, err := fs.ResolveExisting(p)
	if err != nil {
		return err
	}

	// Block any whoopsies.
	if cleaned == fs.Path() {
		return newMessageError(ErrCodeBadRequest, p, "cannot delete root directory")
	}
	if err := fs.IsIgnored(cleaned); err != nil {
		return err
	}

	st, err := os.Stat(cleaned)
	if err != nil {
		return probeError(p, err)
	}
	if !st.IsDir() {
		if err := os.Remove(cleaned); err != nil {
			return errors.Wrap(err, "filesystem: delete: failed to remove file")
		}
		return nil
	}

	if !recursive {
		if err := os.Remove(cleaned); err != nil {
			if isDirectoryNotEmpty(err) {
				return newMessageError(ErrCodeConflict, p, "directory not empty")
			}
			return errors.Wrap(err, "filesystem: delete: failed to remove directory")
		}
		return nil
	}

	if err := fs.checkTreeDenylist(cleaned); err != nil {
		return err
	}
	if err := os.RemoveAll(cleaned); err != nil {
		return errors.Wrap(err, "filesystem: delete: failed to remove directory tree")
	}
	return nil
}

// Walks everything below the directory and returns an error as soon as a single
// entry is on the denylist. Symlinks are never followed, a link is removed as
// itself by os.RemoveAll.
func (fs *Filesystem) checkTreeDenylist(dir string) error {
	if !fs.hasDenylist {
		return nil
	}
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(p string, e *godirwalk.Dirent) error {
			return fs.IsIgnored(p)
		},
	})
	return errors.WithStackIf(err)
}

// ListDirectory lists the contents of a given directory and returns stat
// information about each file and folder within it. Directories are listed
// first, everything is then ordered by name regardless of case.
func (fs *Filesystem) ListDirectory(p string) ([]Stat, error) {
	cleaned, err := fs.ResolveDirectory(p)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(cleaned)
	if err != nil {
		return nil, errors.Wrap(err, "filesystem: list: failed to read directory")
	}

	// Entries that disappear while we're inspecting them are left as zero values
	// and dropped from the output below.
	out := make([]Stat, len(entries))
	pool := workerpool.New(listWorkers)
	for i, entry := range entries {
		idx, e := i, entry
		pool.Submit(func() {
			if st, ok := fs.statEntry(cleaned, e); ok {
				out[idx] = st
			}
		})
	}
	pool.StopWait()

	// You must initialize the output of this directory as a non-nil value otherwise
	// when it is marshaled into a JSON object you'll just get 'null' back.
	stats := make([]Stat, 0, len(out))
	for _, st := range out {
		if st.FileInfo != nil {
			stats = append(stats, st)
		}
	}

	sort.SliceStable(stats, func(i, j int) bool {
		if stats[i].IsDir() != stats[j].IsDir() {
			return stats[i].IsDir()
		}
		return strings.ToLower(stats[i].Name()) < strings.ToLower(stats[j].Name())
	})

	return stats, nil
}

// Returns the stat information for a single directory entry. Symlinks are run
// back through the resolver so that a link pointing outside the jail is listed
// without revealing anything about what it points at.
func (fs *Filesystem) statEntry(dir string, e os.DirEntry) (Stat, bool) {
	info, err := e.Info()
	if err != nil {
		return Stat{}, false
	}
	p := filepath.Join(dir, e.Name())

	if info.Mode()&os.ModeSymlink != 0 {
		resolved, err := fs.Resolve(fs.relative(p))
		if err != nil {
			return Stat{FileInfo: info, Mimetype: "application/octet-stream"}, true
		}
		st, err := fs.unsafeStat(resolved)
		if err != nil {
			return Stat{FileInfo: info, Mimetype: "application/octet-stream"}, true
		}
		st.FileInfo = namedInfo{FileInfo: st.FileInfo, name: e.Name()}
		return *st, true
	}

	// Don't try to detect the type on a pipe, this will just hang the request and
	// you'll never get a response back.
	if info.Mode()&os.ModeNamedPipe != 0 || info.Mode()&os.ModeDevice != 0 {
		return Stat{FileInfo: info, Mimetype: "application/octet-stream"}, true
	}

	st := Stat{FileInfo: info, Mimetype: "inode/directory"}
	if !info.IsDir() {
		st.Mimetype = detectMimetype(p)
	}
	return st, true
}
