package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"emperror.dev/errors"
	"github.com/NYTimes/logrotate"
	"github.com/apex/log"
	"github.com/apex/log/handlers/multi"
	"github.com/mitchellh/colorstring"
	"github.com/spf13/cobra"

	"github.com/monkeyarch/monkeyarch/config"
	"github.com/monkeyarch/monkeyarch/filesystem"
	"github.com/monkeyarch/monkeyarch/loggers/cli"
	"github.com/monkeyarch/monkeyarch/router"
	"github.com/monkeyarch/monkeyarch/system"
)

var (
	configPath  = config.DefaultLocation
	debug       = false
	showVersion = false
)

var rootCommand = &cobra.Command{
	Use:   "monkeyarch",
	Short: "Browse and manage a single directory over HTTP",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initConfig()
		initLogging()
	},
	Run: rootCmdRun,
}

func init() {
	rootCommand.PersistentFlags().BoolVar(&showVersion, "version", false, "show the version and exit")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", config.DefaultLocation, "set the location for the configuration file")
	rootCommand.PersistentFlags().BoolVar(&debug, "debug", false, "pass in order to run in debug mode")

	rootCommand.AddCommand(resolveCmd)
	rootCommand.AddCommand(configureCmd)
}

// Execute calls cobra to handle cli commands
func Execute() {
	if err := rootCommand.Execute(); err != nil {
		log.Fatal(err.Error())
	}
}

func rootCmdRun(cmd *cobra.Command, _ []string) {
	if showVersion {
		fmt.Println(system.Version)
		os.Exit(0)
	}

	c := config.Get()
	log.WithField("path", c.GetPath()).Info("loaded configuration")
	if c.Debug {
		log.Debug("running in debug mode")
	}

	checkRootDirectory(c.RootDirectory)

	fs, err := newFilesystem(c)
	if err != nil {
		log.WithField("error", err).Fatal("failed to open the root directory")
		return
	}

	log.WithFields(log.Fields{
		"root":            fs.Path(),
		"max_upload_size": system.FormatBytes(c.MaxUploadSize),
		"enable_delete":   c.EnableDelete,
		"denylist":        len(c.Denylist),
		"static":          system.FirstNotEmpty(c.StaticDirectory, "embedded"),
	}).Info("configured root directory")

	s := &http.Server{
		Addr:              c.Address(),
		Handler:           router.Configure(fs),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received, stopping webserver")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(sctx); err != nil {
			log.WithField("error", err).Error("failed to gracefully stop webserver")
		}
	}()

	log.WithField("address", "http://"+c.Address()).Info("webserver is now listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithField("error", err).Fatal("failed to configure HTTP server")
	}
}

// Returns the jailed filesystem for the configured root directory.
func newFilesystem(c *config.Configuration) (*filesystem.Filesystem, error) {
	return filesystem.New(c.RootDirectory, filesystem.Options{
		Denylist:        c.Denylist,
		MaxUploadSize:   c.MaxUploadSize,
		UploadRateLimit: c.UploadRateLimit,
	})
}

// Reads the configuration file into the global configuration. Flags passed on
// the command line win over anything in the file.
func initConfig() {
	if err := config.FromFile(configPath); err != nil {
		fmt.Println(colorstring.Color("[red][bold]Error: failed to load configuration: " + err.Error()))
		os.Exit(1)
	}
	if debug {
		config.Update(func(c *config.Configuration) {
			c.Debug = true
		})
	}
}

// Configures the global logger for apex/log so that we can call it from any
// location in the code without having to pass around a logger instance. Logs
// are also written to a rotated file when a log directory is configured.
func initLogging() {
	c := config.Get()
	if c.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	log.SetHandler(cli.Default)

	if c.LogDirectory == "" {
		return
	}
	if err := os.MkdirAll(c.LogDirectory, 0o700); err != nil {
		log.WithField("error", err).Fatal("failed to create log directory")
		return
	}
	p := filepath.Join(c.LogDirectory, "monkeyarch.log")
	w, err := logrotate.NewFile(p)
	if err != nil {
		log.WithField("error", errors.WithMessage(err, "failed to open process log file")).Fatal("failed to configure logging")
		return
	}
	log.SetHandler(multi.New(cli.Default, cli.New(w.File, false)))
	log.WithField("path", p).Info("writing log files to disk")
}

// Exits with a notice when the root directory cannot be served. A missing or
// misconfigured root is an operator mistake and is reported as such instead
// of as a stack trace.
func checkRootDirectory(root string) {
	st, err := os.Stat(root)
	if err == nil && st.IsDir() {
		return
	}
	if err == nil {
		fmt.Print(colorstring.Color(fmt.Sprintf(`
[_red_][white][bold]Error: Root path exists but is not a directory[reset]

    %s

`, root)))
		os.Exit(1)
	}

	hint := "Create it with:\n\n    mkdir -p " + root
	if !filepath.IsAbs(root) {
		abs, _ := filepath.Abs(root)
		hint = "The path is relative and resolves to:\n\n    " + abs + "\n\nConsider using an absolute path in " + configPath + ":\n\n    root_directory: /path/to/media"
	}
	fmt.Print(colorstring.Color(fmt.Sprintf(`
[_red_][white][bold]Error: Root directory does not exist[reset]

    %s

%s

For an external SD card on a Raspberry Pi, use the mount point:

    root_directory: /media/pi/SDCARD

`, root, hint)))
	os.Exit(1)
}
