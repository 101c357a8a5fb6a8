package cli

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
)

var Default = New(os.Stderr, true)

var (
	bold    = color.New(color.Bold)
	boldred = color.New(color.Bold, color.FgRed)
)

var levels = [...]struct {
	name  string
	color *color.Color
}{
	log.DebugLevel: {"DEBUG", color.New(color.FgWhite)},
	log.InfoLevel:  {" INFO", color.New(color.FgBlue)},
	log.WarnLevel:  {" WARN", color.New(color.FgYellow)},
	log.ErrorLevel: {"ERROR", color.New(color.FgRed)},
	log.FatalLevel: {"FATAL", color.New(color.FgRed)},
}

// Handler writes log entries as a single line each, with the level and a
// timestamp in front. When an entry at error level or above carries an error
// its stack trace is printed below the line.
type Handler struct {
	mu      sync.Mutex
	Writer  io.Writer
	Padding int
}

// New returns a handler writing to w. Colors are only used when w is a file,
// anything else receives plain text.
func New(w io.Writer, useColors bool) *Handler {
	if f, ok := w.(*os.File); ok && useColors {
		return &Handler{Writer: colorable.NewColorable(f), Padding: 2}
	}
	return &Handler{Writer: colorable.NewNonColorable(w), Padding: 2}
}

// HandleLog implements log.Handler.
func (h *Handler) HandleLog(e *log.Entry) error {
	lvl := levels[e.Level]
	names := e.Fields.Names()

	h.mu.Lock()
	defer h.mu.Unlock()

	lvl.color.Fprintf(h.Writer, "%s: [%s] %-25s", bold.Sprintf("%*s", h.Padding+1, lvl.name), time.Now().Format(time.StampMilli), e.Message)
	for _, name := range names {
		fmt.Fprintf(h.Writer, " %s=%v", lvl.color.Sprint(name), e.Fields.Get(name))
	}
	fmt.Fprintln(h.Writer)

	if e.Level < log.ErrorLevel {
		return nil
	}
	if err, ok := e.Fields.Get("error").(error); ok {
		// Attach the stacktrace if it is missing at this point, but don't point
		// it specifically to this line since that is irrelevant.
		err = errors.WithStackDepthIf(err, 1)
		fmt.Fprintf(h.Writer, "\n%s\n%+v\n\n", boldred.Sprintf("Stacktrace:"), err)
	}
	return nil
}
