package middleware

import (
	"context"
	"net/http"
	"strings"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"github.com/monkeyarch/monkeyarch/filesystem"
)

// RequestError is a custom error type returned when something goes wrong with
// any of the HTTP endpoints.
type RequestError struct {
	err error
	msg string
}

// NewError returns a new RequestError for the provided error.
func NewError(err error) *RequestError {
	return &RequestError{
		// Attach a stacktrace to the error if it is missing at this point and mark it
		// as originating from the location where NewError was called, rather than this
		// specific point in the code.
		err: errors.WithStackDepthIf(err, 1),
	}
}

// SetMessage allows for a custom error message to be set on an existing
// RequestError instance.
func (re *RequestError) SetMessage(m string) {
	re.msg = m
}

// Abort aborts the given HTTP request with the specified status code and then
// logs the event into the logs. The error that is output will include the unique
// request ID if it is present.
func (re *RequestError) Abort(c *gin.Context, status int) {
	reqId := c.Writer.Header().Get("X-Request-Id")

	// Generate the base logger instance, attaching the unique request ID and
	// the URL that was requested.
	event := log.WithField("request_id", reqId).WithField("url", c.Request.URL.String())

	if c.Writer.Status() == 200 {
		// Handle context deadlines being exceeded a little differently since we want
		// to report a more user-friendly error and a proper error code. The "context
		// canceled" error is generally when a request is terminated before all of the
		// logic is finished running.
		if errors.Is(re.err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
			re.SetMessage("The server could not process this request in time, please try again.")
		} else if strings.Contains(re.Cause().Error(), "context canceled") {
			status = http.StatusBadRequest
			re.SetMessage("Request aborted by client.")
		}
	}

	if status >= 500 {
		event.WithField("status", status).WithField("error", re.err).Error("error while handling HTTP request")
	} else {
		event.WithField("status", status).WithField("error", re.err).Debug("error handling HTTP request (not a server error)")
	}
	if re.msg == "" {
		re.msg = "internal error"
	}
	// Now abort the request with the error message and include the unique request
	// ID that was present to make things super easy on people who don't know how
	// or cannot view the response headers (where X-Request-Id would be present).
	c.AbortWithStatusJSON(status, gin.H{"error": re.msg, "request_id": reqId})
}

// Cause returns the underlying error.
func (re *RequestError) Cause() error {
	return re.err
}

// Error returns the underlying error message for this request.
func (re *RequestError) Error() string {
	return re.err.Error()
}

// Looks at the given RequestError and determines if it is a specific filesystem
// error that can be returned to the caller with a more specific status and
// message. Escapes are always answered with the same message, nothing about
// where the path actually led is returned.
//
// If the error passed into this call is nil or does not match empty values will
// be returned to the caller.
func (re *RequestError) asFilesystemError() (int, string) {
	err := re.Cause()
	if err == nil {
		return 0, ""
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return http.StatusRequestEntityTooLarge, "file too large"
	}
	fserr, ok := filesystem.IsFilesystemError(err)
	if !ok {
		return 0, ""
	}
	msg := fserr.Message()
	switch fserr.Code() {
	case filesystem.ErrCodePathResolution:
		return http.StatusForbidden, "access denied"
	case filesystem.ErrCodeDenylistFile:
		return http.StatusForbidden, "This file cannot be modified: present in denylist."
	case filesystem.ErrNotExist:
		if msg == "" {
			msg = "not found: " + fserr.Path()
		}
		return http.StatusNotFound, msg
	case filesystem.ErrCodeMalformedInput, filesystem.ErrCodeBadRequest:
		if msg == "" {
			msg = "invalid path: " + fserr.Path()
		}
		return http.StatusBadRequest, msg
	case filesystem.ErrCodeInvalidType:
		if msg == "" {
			msg = "invalid type: " + fserr.Path()
		}
		return http.StatusBadRequest, msg
	case filesystem.ErrCodeConflict:
		if msg == "" {
			msg = "already exists: " + fserr.Path()
		}
		return http.StatusConflict, msg
	case filesystem.ErrCodeTooLarge:
		return http.StatusRequestEntityTooLarge, "file too large"
	case filesystem.ErrCodeUnsupportedType:
		if msg == "" {
			msg = "unsupported media type"
		}
		return http.StatusUnsupportedMediaType, msg
	}
	return 0, ""
}
