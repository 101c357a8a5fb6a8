package router

import (
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"github.com/monkeyarch/monkeyarch/config"
	"github.com/monkeyarch/monkeyarch/filesystem"
	"github.com/monkeyarch/monkeyarch/router/middleware"
	"github.com/monkeyarch/monkeyarch/system"
)

// Returns the contents of a directory.
func getListDirectory(c *gin.Context) {
	fs := middleware.ExtractFilesystem(c)
	p := c.Query("path")

	stats, err := fs.ListDirectory(p)
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"path": p, "entries": stats})
}

// Streams the contents of a file. Range requests are supported so that audio
// can be seeked in the browser.
func getFile(c *gin.Context) {
	fs := middleware.ExtractFilesystem(c)

	f, st, err := fs.File(c.Query("path"))
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	defer f.Close()

	disposition := "inline"
	// If a download parameter is included in the URL go ahead and attach the necessary headers
	// so that the file can be downloaded.
	if isTruthy(c.Query("download")) {
		disposition = "attachment"
	}
	c.Header("X-Mime-Type", st.Mimetype)
	c.Header("Content-Type", contentType(st.Name(), st.Mimetype))
	c.Header("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": st.Name()}))

	http.ServeContent(c.Writer, c.Request, st.Name(), st.ModTime(), f)
}

// Accepts a multipart upload of one or more files into a directory. Every part
// must carry a filename and a content type that is accepted by the
// configuration.
func postUpload(c *gin.Context) {
	fs := middleware.ExtractFilesystem(c)
	cfg := config.Get()
	dir := c.Query("path")
	overwrite := isTruthy(c.Query("overwrite"))

	if _, err := fs.ResolveDirectory(dir); err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}

	reader, err := c.Request.MultipartReader()
	if err != nil {
		abortWithMessage(c, http.StatusBadRequest, "multipart error: "+err.Error())
		return
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				middleware.CaptureAndAbort(c, err)
				return
			}
			abortWithMessage(c, http.StatusBadRequest, "multipart error: "+err.Error())
			return
		}

		name, ok := partFilename(part.Header.Get("Content-Disposition"))
		if !ok {
			part.Close()
			abortWithMessage(c, http.StatusBadRequest, "missing filename")
			return
		}
		if _, err := filesystem.ValidateFilename(name); err != nil {
			part.Close()
			middleware.CaptureAndAbort(c, err)
			return
		}

		ct := part.Header.Get("Content-Type")
		if ct == "" {
			part.Close()
			abortWithMessage(c, http.StatusBadRequest, "missing content type")
			return
		}
		if !cfg.AllowsUploadType(ct) {
			part.Close()
			abortWithMessage(c, http.StatusUnsupportedMediaType, "type '"+ct+"' not allowed")
			return
		}

		n, err := fs.Upload(dir, name, part, overwrite)
		part.Close()
		if err != nil {
			middleware.CaptureAndAbort(c, err)
			return
		}

		middleware.ExtractLogger(c).WithFields(log.Fields{
			"directory": dir,
			"file":      name,
			"size":      system.FormatBytes(n),
		}).Info("uploaded file")
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Renames (or moves) a file or directory.
func postMove(c *gin.Context) {
	fs := middleware.ExtractFilesystem(c)

	var data struct {
		From      string `json:"from"`
		To        string `json:"to"`
		Overwrite bool   `json:"overwrite"`
	}
	if !bindJSON(c, &data) {
		return
	}

	if err := fs.Rename(data.From, data.To, data.Overwrite); err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}

	middleware.ExtractLogger(c).WithField("from", data.From).WithField("to", data.To).Info("moved file")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Creates a single new directory.
func postCreateDirectory(c *gin.Context) {
	fs := middleware.ExtractFilesystem(c)

	var data struct {
		Path string `json:"path"`
	}
	if !bindJSON(c, &data) {
		return
	}

	if err := fs.CreateDirectory(data.Path); err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}

	middleware.ExtractLogger(c).WithField("path", data.Path).Info("created directory")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Deletes a file, or a directory when it is empty or recursive is set.
func postDelete(c *gin.Context) {
	fs := middleware.ExtractFilesystem(c)

	var data struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}
	if !bindJSON(c, &data) {
		return
	}

	if err := fs.Delete(data.Path, data.Recursive); err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}

	middleware.ExtractLogger(c).WithField("path", data.Path).WithField("recursive", data.Recursive).Info("deleted path")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Binds the JSON body of the request, aborting the request when it cannot be
// read. A body over the size limit is reported as too large instead of as an
// invalid body.
func bindJSON(c *gin.Context, v interface{}) bool {
	err := c.ShouldBindJSON(v)
	if err == nil {
		return true
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		middleware.CaptureAndAbort(c, err)
	} else {
		abortWithMessage(c, http.StatusBadRequest, "invalid request body")
	}
	return false
}

// Returns the filename exactly as the client sent it. The multipart package
// strips any directory from the name, which would hide a traversal attempt
// from the filename validation instead of rejecting it.
func partFilename(disposition string) (string, bool) {
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return "", false
	}
	name, ok := params["filename"]
	return name, ok
}

// Picks the content type a file is served with, preferring the type for its
// extension and falling back to the one detected from its contents.
func contentType(name string, detected string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	if detected != "" && detected != "inode/directory" {
		return detected
	}
	return "application/octet-stream"
}

func isTruthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func abortWithMessage(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "request_id": c.Writer.Header().Get("X-Request-Id")})
}
