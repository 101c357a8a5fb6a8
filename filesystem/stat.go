package filesystem

import (
	"os"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/goccy/go-json"
)

type Stat struct {
	os.FileInfo
	Mimetype string
}

// A FileInfo reporting the stat information of a symlink target under the name
// of the link itself.
type namedInfo struct {
	os.FileInfo
	name string
}

func (n namedInfo) Name() string {
	return n.name
}

// MarshalJSON returns the listing representation of a file or directory. Size
// and modification time are only reported for files.
func (s Stat) MarshalJSON() ([]byte, error) {
	type entry struct {
		Name     string     `json:"name"`
		Type     string     `json:"type"`
		Size     *int64     `json:"size,omitempty"`
		Modified *time.Time `json:"modified,omitempty"`
		Mime     string     `json:"mime"`
	}
	e := entry{Name: s.Name(), Type: "directory", Mime: s.Mimetype}
	if !s.IsDir() {
		e.Type = "file"
	}
	if s.Mode().IsRegular() {
		size := s.Size()
		modified := s.ModTime().UTC()
		e.Size = &size
		e.Modified = &modified
	}
	return json.Marshal(e)
}

// Stat returns the stat information for a file or folder inside the jail along
// with its detected mimetype.
func (fs *Filesystem) Stat(p string) (*Stat, error) {
	cleaned, err := fs.ResolveExisting(p)
	if err != nil {
		return nil, err
	}
	st, err := fs.unsafeStat(cleaned)
	if err != nil {
		return nil, probeError(p, err)
	}
	return st, nil
}

// Stats an already resolved path. Never call this with untrusted input.
func (fs *Filesystem) unsafeStat(p string) (*Stat, error) {
	s, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	st := &Stat{FileInfo: s, Mimetype: "inode/directory"}
	if !s.IsDir() {
		st.Mimetype = "application/octet-stream"
		if s.Mode().IsRegular() {
			st.Mimetype = detectMimetype(p)
		}
	}
	return st, nil
}

// Detects the mimetype of a file from its contents, falling back to a generic
// binary type when it cannot be read.
func detectMimetype(p string) string {
	m, err := mimetype.DetectFile(p)
	if err != nil {
		return "application/octet-stream"
	}
	return m.String()
}
