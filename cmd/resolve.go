package cmd

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/monkeyarch/monkeyarch/config"
	"github.com/monkeyarch/monkeyarch/filesystem"
)

var resolveArgs struct {
	JSON bool
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <path>...",
	Short: "Show where paths resolve to inside the configured root directory",
	Args:  cobra.MinimumNArgs(1),
	Run:   resolveCmdRun,
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveArgs.JSON, "json", false, "print the verdicts as JSON")
}

// The outcome of resolving a single path.
type verdict struct {
	Path     string `json:"path"`
	Resolved string `json:"resolved,omitempty"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
}

func resolveCmdRun(cmd *cobra.Command, args []string) {
	fs, err := newFilesystem(config.Get())
	if err != nil {
		log.WithField("error", err).Fatal("failed to open the root directory")
		return
	}

	verdicts := resolvePaths(fs, args)

	if resolveArgs.JSON {
		b, err := json.MarshalIndent(verdicts, "", "  ")
		if err != nil {
			log.WithField("error", err).Fatal("failed to encode verdicts")
			return
		}
		fmt.Println(string(b))
	} else {
		for _, v := range verdicts {
			if v.Code != "" {
				fmt.Printf("%s\t%s\t%s\n", v.Path, v.Code, v.Error)
			} else {
				fmt.Printf("%s\t%s\n", v.Path, v.Resolved)
			}
		}
	}

	for _, v := range verdicts {
		if v.Code != "" {
			os.Exit(1)
		}
	}
}

// Resolves every path concurrently, keeping the verdicts in the order the
// paths were given in.
func resolvePaths(fs *filesystem.Filesystem, paths []string) []verdict {
	out := make([]verdict, len(paths))
	var g errgroup.Group
	g.SetLimit(8)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			out[i] = verdict{Path: p}
			r, err := fs.Resolve(p)
			if err != nil {
				out[i].Error = err.Error()
				out[i].Code = string(filesystem.ErrCodeInternal)
				if fserr, ok := filesystem.IsFilesystemError(err); ok {
					out[i].Code = string(fserr.Code())
				}
				return nil
			}
			out[i].Resolved = r
			return nil
		})
	}
	// Verdicts are collected per path, the group itself never fails.
	_ = g.Wait()
	return out
}
