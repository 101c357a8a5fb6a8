package filesystem

import (
	"io"
	"os"
	"path/filepath"

	"emperror.dev/errors"
	"github.com/juju/ratelimit"
)

var errUploadTooLarge = errors.Sentinel("filesystem: upload exceeds the maximum allowed size")

// Upload streams the contents of r into a new file called name inside of the
// directory dir. The directory is untrusted input and is resolved through the
// jail, the name must be a bare filename.
//
// If the upload exceeds the configured size limit the partially written file is
// removed again. The number of bytes written is returned.
func (fs *Filesystem) Upload(dir string, name string, r io.Reader, overwrite bool) (int64, error) {
	cleaned, err := fs.ResolveDirectory(dir)
	if err != nil {
		return 0, err
	}
	if _, err := ValidateFilename(name); err != nil {
		return 0, err
	}

	// The joined path can only land inside of the resolved directory, but run it
	// back through the resolver anyways in case the directory changed under us.
	dest, err := fs.Resolve(fs.relative(filepath.Join(cleaned, name)))
	if err != nil {
		return 0, err
	}
	if err := fs.IsIgnored(dest); err != nil {
		return 0, err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if st, err := os.Stat(dest); err == nil {
		if st.IsDir() {
			return 0, newMessageError(ErrCodeInvalidType, name, "a directory already exists with that name")
		}
		if !overwrite {
			return 0, newMessageError(ErrCodeConflict, name, "file '"+name+"' already exists")
		}
	} else if !overwrite {
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return 0, newMessageError(ErrCodeConflict, name, "file '"+name+"' already exists")
		}
		return 0, errors.Wrap(err, "filesystem: upload: failed to open file")
	}

	src := r
	if fs.uploadRateLimit > 0 {
		src = ratelimit.Reader(r, ratelimit.NewBucketWithRate(float64(fs.uploadRateLimit), fs.uploadRateLimit))
	}

	w := &limitedWriter{w: f, limit: fs.maxUploadSize}
	buf := make([]byte, 32*1024)
	n, err := io.CopyBuffer(w, src, buf)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if rerr := os.Remove(dest); rerr != nil && !os.IsNotExist(rerr) {
			fs.error(rerr).WithField("path", dest).Warn("failed to remove partial upload")
		}
		if errors.Is(err, errUploadTooLarge) {
			return n, newFilesystemError(ErrCodeTooLarge, err)
		}
		return n, errors.Wrap(err, "filesystem: upload: failed to write file")
	}
	return n, nil
}

// A writer that refuses to write more than limit bytes in total. A limit of zero
// or less allows any amount of data through.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.limit > 0 && lw.written+int64(len(p)) > lw.limit {
		return 0, errUploadTooLarge
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	return n, err
}
