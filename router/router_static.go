package router

import (
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/apex/log"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/monkeyarch/monkeyarch/static"
)

// An asset source together with the Cache-Control headers it is served with.
type assetSource struct {
	files fs.FS
	// Sent with files that exist.
	cache string
	// Sent with index.html when it is returned for an unknown path.
	fallbackCache string
}

// Returns the handler serving the web interface for every route that is not
// part of the API. Assets are read from dir when it is configured and exists,
// otherwise the copy built into the binary is used.
func staticHandler(dir string) gin.HandlerFunc {
	src := assetSource{files: static.Assets(), cache: "public, max-age=3600"}
	if dir != "" {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			src = assetSource{files: os.DirFS(dir), cache: "no-cache, no-store, must-revalidate", fallbackCache: "no-cache"}
			log.WithField("directory", dir).Info("serving static files from disk")
		} else {
			log.WithField("directory", dir).Warn("static_directory does not exist, falling back to embedded assets")
		}
	}

	return func(c *gin.Context) {
		p := strings.TrimPrefix(c.Request.URL.Path, "/")
		if p == "" {
			p = "index.html"
		}
		// Nothing in the interface has a reason to go up a directory.
		if strings.Contains(p, "..") {
			notFound(c)
			return
		}

		if b, err := fs.ReadFile(src.files, p); err == nil {
			if src.cache != "" {
				c.Header("Cache-Control", src.cache)
			}
			c.Data(http.StatusOK, assetType(p, b), b)
			return
		}

		// Anything that isn't a file is routed by the interface itself, so hand
		// back the index and let it decide. Unknown API routes stay a 404.
		if !strings.HasPrefix(p, "api/") && p != "index.html" {
			if b, err := fs.ReadFile(src.files, "index.html"); err == nil {
				if src.fallbackCache != "" {
					c.Header("Cache-Control", src.fallbackCache)
				}
				c.Data(http.StatusOK, "text/html; charset=utf-8", b)
				return
			}
		}
		notFound(c)
	}
}

func notFound(c *gin.Context) {
	c.Data(http.StatusNotFound, "text/plain; charset=utf-8", []byte("Not Found"))
}

// Picks the content type for an asset from its extension, sniffing the
// contents when the extension is unknown.
func assetType(name string, b []byte) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return mimetype.Detect(b).String()
}
