package filesystem

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/franela/goblin"
)

func NewFs(opts ...Options) (*Filesystem, *rootFs) {
	tmpDir, err := os.MkdirTemp(os.TempDir(), "monkeyarch")
	if err != nil {
		panic(err)
	}
	// The temporary directory is a symlink on some systems (/tmp -> /private/tmp),
	// every comparison below is against canonical paths.
	if tmpDir, err = filepath.EvalSymlinks(tmpDir); err != nil {
		panic(err)
	}

	rfs := rootFs{root: tmpDir}
	rfs.reset()

	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	fs, err := New(filepath.Join(tmpDir, "/jail"), o)
	if err != nil {
		panic(err)
	}

	return fs, &rfs
}

type rootFs struct {
	root string
}

func (rfs *rootFs) jail() string {
	return filepath.Join(rfs.root, "/jail")
}

func (rfs *rootFs) CreateJailFile(p string, c string) error {
	return os.WriteFile(filepath.Join(rfs.jail(), p), []byte(c), 0o644)
}

func (rfs *rootFs) CreateJailDirectory(p string) error {
	return os.MkdirAll(filepath.Join(rfs.jail(), p), 0o755)
}

func (rfs *rootFs) StatJailFile(p string) (os.FileInfo, error) {
	return os.Lstat(filepath.Join(rfs.jail(), p))
}

func (rfs *rootFs) ReadJailFile(p string) (string, error) {
	b, err := os.ReadFile(filepath.Join(rfs.jail(), p))
	return string(b), err
}

func (rfs *rootFs) reset() {
	if err := os.RemoveAll(rfs.jail()); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
	}

	if err := os.Mkdir(rfs.jail(), 0o755); err != nil {
		panic(err)
	}
}

func (rfs *rootFs) cleanup() {
	_ = os.RemoveAll(rfs.root)
}

func TestFilesystem_New(t *testing.T) {
	g := Goblin(t)

	g.Describe("New", func() {
		g.It("fails when the root does not exist", func() {
			_, err := New(filepath.Join(os.TempDir(), "monkeyarch-does-not-exist", "jail"), Options{})
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeInternal)).IsTrue()
		})

		g.It("fails when the root is a file", func() {
			_, rfs := NewFs()
			defer rfs.cleanup()
			g.Assert(rfs.CreateJailFile("file.txt", "testing")).IsNil()

			_, err := New(filepath.Join(rfs.jail(), "file.txt"), Options{})
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeInternal)).IsTrue()
		})

		g.It("canonicalizes a symlinked root", func() {
			_, rfs := NewFs()
			defer rfs.cleanup()
			g.Assert(os.Symlink(rfs.jail(), filepath.Join(rfs.root, "linked"))).IsNil()

			fs, err := New(filepath.Join(rfs.root, "linked"), Options{})
			g.Assert(err).IsNil()
			g.Assert(fs.Path()).Equal(rfs.jail())
		})
	})
}

func TestFilesystem_File(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs()
	defer rfs.cleanup()

	g.Describe("File", func() {
		g.AfterEach(func() {
			rfs.reset()
		})

		g.It("opens a file if it exists on the system", func() {
			g.Assert(rfs.CreateJailFile("test.txt", "testing")).IsNil()

			f, st, err := fs.File("test.txt")
			g.Assert(err).IsNil()
			defer f.Close()

			buf := &bytes.Buffer{}
			_, err = buf.ReadFrom(f)
			g.Assert(err).IsNil()
			g.Assert(buf.String()).Equal("testing")
			g.Assert(st.Name()).Equal("test.txt")
			g.Assert(strings.HasPrefix(st.Mimetype, "text/plain")).IsTrue()
		})

		g.It("returns an error if the file does not exist", func() {
			_, _, err := fs.File("test.txt")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrNotExist)).IsTrue()
		})

		g.It("reports a directory as not existing", func() {
			g.Assert(rfs.CreateJailDirectory("test.txt")).IsNil()

			_, _, err := fs.File("test.txt")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrNotExist)).IsTrue()
		})

		g.It("cannot open a file outside the root directory", func() {
			g.Assert(os.WriteFile(filepath.Join(rfs.root, "outside.txt"), []byte("secret"), 0o644)).IsNil()

			_, _, err := fs.File("../outside.txt")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodePathResolution)).IsTrue()
		})
	})
}

func TestFilesystem_Upload(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs(Options{MaxUploadSize: 16, Denylist: []string{"*.ini"}})
	defer rfs.cleanup()

	g.Describe("Upload", func() {
		g.AfterEach(func() {
			rfs.reset()
		})

		g.It("writes a new file into the directory", func() {
			n, err := fs.Upload("", "song.mp3", strings.NewReader("ID3 data"), false)
			g.Assert(err).IsNil()
			g.Assert(n).Equal(int64(8))

			c, err := rfs.ReadJailFile("song.mp3")
			g.Assert(err).IsNil()
			g.Assert(c).Equal("ID3 data")
		})

		g.It("writes into a nested directory", func() {
			g.Assert(rfs.CreateJailDirectory("music/albums")).IsNil()

			_, err := fs.Upload("/music/albums/", "song.mp3", strings.NewReader("ID3"), false)
			g.Assert(err).IsNil()

			c, err := rfs.ReadJailFile("music/albums/song.mp3")
			g.Assert(err).IsNil()
			g.Assert(c).Equal("ID3")
		})

		g.It("does not replace an existing file unless asked to", func() {
			g.Assert(rfs.CreateJailFile("song.mp3", "original")).IsNil()

			_, err := fs.Upload("", "song.mp3", strings.NewReader("replaced"), false)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeConflict)).IsTrue()

			c, _ := rfs.ReadJailFile("song.mp3")
			g.Assert(c).Equal("original")

			_, err = fs.Upload("", "song.mp3", strings.NewReader("replaced"), true)
			g.Assert(err).IsNil()

			c, _ = rfs.ReadJailFile("song.mp3")
			g.Assert(c).Equal("replaced")
		})

		g.It("removes the partial file when the upload is too large", func() {
			_, err := fs.Upload("", "big.mp3", strings.NewReader(strings.Repeat("a", 17)), false)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeTooLarge)).IsTrue()

			_, err = rfs.StatJailFile("big.mp3")
			g.Assert(os.IsNotExist(err)).IsTrue()
		})

		g.It("accepts an upload of exactly the maximum size", func() {
			n, err := fs.Upload("", "exact.mp3", strings.NewReader(strings.Repeat("a", 16)), false)
			g.Assert(err).IsNil()
			g.Assert(n).Equal(int64(16))
		})

		g.It("rejects invalid filenames", func() {
			for _, name := range []string{"", ".", "..", "../evil.mp3", "a/b.mp3", `a\b.mp3`, "a\x00.mp3"} {
				_, err := fs.Upload("", name, strings.NewReader("x"), false)
				g.Assert(err).IsNotNil()
				g.Assert(IsErrorCode(err, ErrCodeMalformedInput)).IsTrue()
			}
		})

		g.It("rejects a destination that is not a directory", func() {
			g.Assert(rfs.CreateJailFile("file.txt", "testing")).IsNil()

			_, err := fs.Upload("file.txt", "song.mp3", strings.NewReader("x"), false)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeInvalidType)).IsTrue()
		})

		g.It("rejects a destination that does not exist", func() {
			_, err := fs.Upload("missing", "song.mp3", strings.NewReader("x"), false)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrNotExist)).IsTrue()
		})

		g.It("refuses to replace a directory", func() {
			g.Assert(rfs.CreateJailDirectory("song.mp3")).IsNil()

			_, err := fs.Upload("", "song.mp3", strings.NewReader("x"), true)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeInvalidType)).IsTrue()
		})

		g.It("refuses files on the denylist", func() {
			_, err := fs.Upload("", "server.ini", strings.NewReader("x"), false)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeDenylistFile)).IsTrue()
		})
	})
}

func TestFilesystem_CreateDirectory(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs(Options{Denylist: []string{"secret/"}})
	defer rfs.cleanup()

	g.Describe("CreateDirectory", func() {
		g.AfterEach(func() {
			rfs.reset()
		})

		g.It("creates a new directory", func() {
			err := fs.CreateDirectory("albums")
			g.Assert(err).IsNil()

			st, err := rfs.StatJailFile("albums")
			g.Assert(err).IsNil()
			g.Assert(st.IsDir()).IsTrue()
		})

		g.It("returns a conflict if something already exists", func() {
			g.Assert(rfs.CreateJailFile("albums", "testing")).IsNil()

			err := fs.CreateDirectory("albums")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeConflict)).IsTrue()
		})

		g.It("does not create missing parents", func() {
			err := fs.CreateDirectory("missing/albums")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrNotExist)).IsTrue()
		})

		g.It("cannot create a denylisted directory", func() {
			err := fs.CreateDirectory("secret")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeDenylistFile)).IsTrue()

			_, err = rfs.StatJailFile("secret")
			g.Assert(os.IsNotExist(err)).IsTrue()
		})

		g.It("cannot create a directory outside the root", func() {
			err := fs.CreateDirectory("../albums")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodePathResolution)).IsTrue()

			_, err = os.Stat(filepath.Join(rfs.root, "albums"))
			g.Assert(os.IsNotExist(err)).IsTrue()
		})
	})
}

func TestFilesystem_Rename(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs(Options{Denylist: []string{"secret/", "*.ini"}})
	defer rfs.cleanup()

	g.Describe("Rename", func() {
		g.BeforeEach(func() {
			g.Assert(rfs.CreateJailFile("source.txt", "text content")).IsNil()
		})

		g.AfterEach(func() {
			rfs.reset()
		})

		g.It("returns an error if the source does not exist", func() {
			err := fs.Rename("missing.txt", "target.txt", false)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrNotExist)).IsTrue()
		})

		g.It("returns a conflict if the target exists", func() {
			g.Assert(rfs.CreateJailFile("target.txt", "taget content")).IsNil()

			err := fs.Rename("source.txt", "target.txt", false)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeConflict)).IsTrue()
		})

		g.It("replaces the target when overwrite is set", func() {
			g.Assert(rfs.CreateJailFile("target.txt", "taget content")).IsNil()

			err := fs.Rename("source.txt", "target.txt", true)
			g.Assert(err).IsNil()

			c, err := rfs.ReadJailFile("target.txt")
			g.Assert(err).IsNil()
			g.Assert(c).Equal("text content")
		})

		g.It("moves a file into a directory", func() {
			g.Assert(rfs.CreateJailDirectory("nested")).IsNil()

			err := fs.Rename("source.txt", "nested/source.txt", false)
			g.Assert(err).IsNil()

			_, err = rfs.StatJailFile("source.txt")
			g.Assert(os.IsNotExist(err)).IsTrue()
			_, err = rfs.StatJailFile("nested/source.txt")
			g.Assert(err).IsNil()
		})

		g.It("cannot move the root directory", func() {
			err := fs.Rename("/", "elsewhere", false)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeBadRequest)).IsTrue()
		})

		g.It("cannot move a directory into itself", func() {
			g.Assert(rfs.CreateJailDirectory("nested")).IsNil()

			err := fs.Rename("nested", "nested/inner", false)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeBadRequest)).IsTrue()
		})

		g.It("cannot move a denylisted directory", func() {
			g.Assert(rfs.CreateJailDirectory("secret")).IsNil()
			g.Assert(rfs.CreateJailFile("secret/key.txt", "keep me")).IsNil()

			err := fs.Rename("secret", "moved", false)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeDenylistFile)).IsTrue()

			_, err = rfs.StatJailFile("secret/key.txt")
			g.Assert(err).IsNil()
			_, err = rfs.StatJailFile("moved")
			g.Assert(os.IsNotExist(err)).IsTrue()
		})

		g.It("cannot move a directory that contains a denylisted file", func() {
			g.Assert(rfs.CreateJailDirectory("config/nested")).IsNil()
			g.Assert(rfs.CreateJailFile("config/nested/server.ini", "keep me")).IsNil()

			err := fs.Rename("config", "moved", false)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeDenylistFile)).IsTrue()

			_, err = rfs.StatJailFile("config/nested/server.ini")
			g.Assert(err).IsNil()
		})

		g.It("cannot move a directory onto a denylisted name", func() {
			g.Assert(rfs.CreateJailDirectory("albums")).IsNil()

			err := fs.Rename("albums", "secret", false)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeDenylistFile)).IsTrue()

			_, err = rfs.StatJailFile("albums")
			g.Assert(err).IsNil()
		})

		g.It("moves a file onto a name only protected as a directory", func() {
			err := fs.Rename("source.txt", "secret", false)
			g.Assert(err).IsNil()

			c, err := rfs.ReadJailFile("secret")
			g.Assert(err).IsNil()
			g.Assert(c).Equal("text content")
		})

		g.It("cannot move a file onto a denylisted name", func() {
			err := fs.Rename("source.txt", "server.ini", false)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeDenylistFile)).IsTrue()
		})

		g.It("cannot move a file outside the root", func() {
			err := fs.Rename("source.txt", "../source.txt", false)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodePathResolution)).IsTrue()

			_, err = rfs.StatJailFile("source.txt")
			g.Assert(err).IsNil()
		})
	})
}

func TestFilesystem_Delete(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs(Options{Denylist: []string{"*.ini", "secret/"}})
	defer rfs.cleanup()

	g.Describe("Delete", func() {
		g.AfterEach(func() {
			rfs.reset()
		})

		g.It("does not delete the root directory", func() {
			for _, p := range []string{"", "/", ".", "nested/.."} {
				if p == "nested/.." {
					g.Assert(rfs.CreateJailDirectory("nested")).IsNil()
				}
				err := fs.Delete(p, true)
				g.Assert(err).IsNotNil()
				g.Assert(IsErrorCode(err, ErrCodeBadRequest)).IsTrue()
			}

			_, err := os.Stat(rfs.jail())
			g.Assert(err).IsNil()
		})

		g.It("returns an error if the path does not exist", func() {
			err := fs.Delete("missing.txt", false)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrNotExist)).IsTrue()
		})

		g.It("deletes a file", func() {
			g.Assert(rfs.CreateJailFile("source.txt", "test content")).IsNil()

			err := fs.Delete("source.txt", false)
			g.Assert(err).IsNil()

			_, err = rfs.StatJailFile("source.txt")
			g.Assert(os.IsNotExist(err)).IsTrue()
		})

		g.It("does not delete a populated directory unless recursive", func() {
			g.Assert(rfs.CreateJailDirectory("foo/bar")).IsNil()
			g.Assert(rfs.CreateJailFile("foo/bar/source.txt", "test content")).IsNil()

			err := fs.Delete("foo", false)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeConflict)).IsTrue()

			err = fs.Delete("foo", true)
			g.Assert(err).IsNil()

			_, err = rfs.StatJailFile("foo")
			g.Assert(os.IsNotExist(err)).IsTrue()
		})

		g.It("deletes an empty directory", func() {
			g.Assert(rfs.CreateJailDirectory("foo")).IsNil()

			err := fs.Delete("foo", false)
			g.Assert(err).IsNil()
		})

		g.It("refuses to delete a tree containing a denylisted file", func() {
			g.Assert(rfs.CreateJailDirectory("foo/bar")).IsNil()
			g.Assert(rfs.CreateJailFile("foo/bar/server.ini", "keep me")).IsNil()

			err := fs.Delete("foo", true)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeDenylistFile)).IsTrue()

			_, err = rfs.StatJailFile("foo/bar/server.ini")
			g.Assert(err).IsNil()
		})

		g.It("refuses to delete a denylisted directory", func() {
			g.Assert(rfs.CreateJailDirectory("secret")).IsNil()

			for _, recursive := range []bool{false, true} {
				err := fs.Delete("secret", recursive)
				g.Assert(err).IsNotNil()
				g.Assert(IsErrorCode(err, ErrCodeDenylistFile)).IsTrue()
			}

			_, err := rfs.StatJailFile("secret")
			g.Assert(err).IsNil()
		})

		g.It("cannot delete a file outside the root", func() {
			g.Assert(os.WriteFile(filepath.Join(rfs.root, "outside.txt"), []byte("secret"), 0o644)).IsNil()

			err := fs.Delete("../outside.txt", false)
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodePathResolution)).IsTrue()

			_, err = os.Stat(filepath.Join(rfs.root, "outside.txt"))
			g.Assert(err).IsNil()
		})
	})
}

func TestFilesystem_ListDirectory(t *testing.T) {
	g := Goblin(t)
	fs, rfs := NewFs()
	defer rfs.cleanup()

	g.Describe("ListDirectory", func() {
		g.BeforeEach(func() {
			g.Assert(rfs.CreateJailDirectory("Zebra")).IsNil()
			g.Assert(rfs.CreateJailDirectory("albums")).IsNil()
			g.Assert(rfs.CreateJailFile("b.txt", "b")).IsNil()
			g.Assert(rfs.CreateJailFile("A.txt", "aaa")).IsNil()
		})

		g.AfterEach(func() {
			rfs.reset()
		})

		g.It("lists directories first, then files, ignoring case", func() {
			stats, err := fs.ListDirectory("/")
			g.Assert(err).IsNil()

			var names []string
			for _, st := range stats {
				names = append(names, st.Name())
			}
			g.Assert(names).Equal([]string{"albums", "Zebra", "A.txt", "b.txt"})
			g.Assert(stats[0].Mimetype).Equal("inode/directory")
		})

		g.It("returns an empty list for an empty directory", func() {
			stats, err := fs.ListDirectory("albums")
			g.Assert(err).IsNil()
			g.Assert(stats != nil).IsTrue()
			g.Assert(len(stats)).Equal(0)
		})

		g.It("only reports size and modification time for files", func() {
			stats, err := fs.ListDirectory("")
			g.Assert(err).IsNil()

			var entries []map[string]interface{}
			b, err := json.Marshal(stats)
			g.Assert(err).IsNil()
			g.Assert(json.Unmarshal(b, &entries)).IsNil()

			g.Assert(entries[0]["type"]).Equal("directory")
			_, ok := entries[0]["size"]
			g.Assert(ok).IsFalse()

			g.Assert(entries[2]["name"]).Equal("A.txt")
			g.Assert(entries[2]["type"]).Equal("file")
			g.Assert(entries[2]["size"]).Equal(float64(3))
			_, ok = entries[2]["modified"]
			g.Assert(ok).IsTrue()
		})

		g.It("does not follow symlinks out of the root", func() {
			g.Assert(os.Mkdir(filepath.Join(rfs.root, "outside"), 0o755)).IsNil()
			defer os.RemoveAll(filepath.Join(rfs.root, "outside"))
			g.Assert(os.Symlink(filepath.Join(rfs.root, "outside"), filepath.Join(rfs.jail(), "escape"))).IsNil()
			g.Assert(os.Symlink(filepath.Join(rfs.jail(), "albums"), filepath.Join(rfs.jail(), "shortcut"))).IsNil()

			stats, err := fs.ListDirectory("")
			g.Assert(err).IsNil()

			byName := make(map[string]Stat)
			for _, st := range stats {
				byName[st.Name()] = st
			}
			g.Assert(byName["escape"].IsDir()).IsFalse()
			g.Assert(byName["escape"].Mimetype).Equal("application/octet-stream")
			g.Assert(byName["shortcut"].IsDir()).IsTrue()
		})

		g.It("returns an error for a file", func() {
			_, err := fs.ListDirectory("b.txt")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrCodeInvalidType)).IsTrue()
		})

		g.It("returns an error for a missing directory", func() {
			_, err := fs.ListDirectory("missing")
			g.Assert(err).IsNotNil()
			g.Assert(IsErrorCode(err, ErrNotExist)).IsTrue()
		})
	})
}
