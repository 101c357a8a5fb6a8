package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"emperror.dev/errors"
	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

const DefaultLocation = "config.yml"

// The prefix applied to environment variables that override values from the
// configuration file, e.g. MONKEYARCH_ROOT_DIRECTORY.
const EnvironmentPrefix = "MONKEYARCH_"

var (
	mu      sync.RWMutex
	_config *Configuration
)

type Configuration struct {
	// The location from which this configuration instance was instantiated.
	path string

	// Determines if the server should be running in debug mode. This value is
	// ignored if the debug flag is passed through the command line arguments.
	Debug bool `env:"DEBUG" json:"debug" yaml:"debug"`

	// The directory that is exposed through the file manager. Nothing outside
	// of this directory can ever be read or modified.
	RootDirectory string `env:"ROOT_DIRECTORY" default:"/home/pi/media" json:"root_directory" yaml:"root_directory"`

	// Serves the web interface from this directory instead of the assets built
	// into the binary. Useful when working on the interface itself.
	StaticDirectory string `env:"STATIC_DIRECTORY" json:"static_directory" yaml:"static_directory"`

	// The interface and port that the webserver should bind to.
	BindAddress string `env:"BIND_ADDRESS" default:"0.0.0.0" json:"bind_address" yaml:"bind_address"`
	Port        int    `env:"PORT" default:"8000" json:"port" yaml:"port"`

	// The maximum size in bytes for a single request body, and therefore for
	// any uploaded file.
	MaxUploadSize int64 `env:"MAX_UPLOAD_SIZE" default:"104857600" json:"max_upload_size" yaml:"max_upload_size"`

	// Determines if files and directories can be deleted through the API.
	EnableDelete bool `env:"ENABLE_DELETE" default:"true" json:"enable_delete" yaml:"enable_delete"`

	// The number of bytes per second an upload will be written to the disk at.
	// A value of zero disables throttling.
	UploadRateLimit int64 `env:"UPLOAD_RATE_LIMIT" json:"upload_rate_limit" yaml:"upload_rate_limit"`

	// The content types an upload is allowed to declare. Entries ending in "/*"
	// match every subtype.
	AllowedUploadTypes []string `env:"ALLOWED_UPLOAD_TYPES" envSeparator:"," default:"[\"audio/mpeg\",\"audio/mp3\",\"image/*\"]" json:"allowed_upload_types" yaml:"allowed_upload_types"`

	// Files and directories matching these gitignore style patterns cannot be
	// created, moved or deleted.
	Denylist []string `env:"DENYLIST" envSeparator:"," json:"denylist" yaml:"denylist"`

	// Directory where a rotating log file is written to. Logs are only written
	// to the console when this is empty.
	LogDirectory string `env:"LOG_DIRECTORY" json:"log_directory" yaml:"log_directory"`
}

// NewAtPath creates a new struct and set the path where it should be stored.
// This function does not modify the currently stored global configuration.
func NewAtPath(path string) (*Configuration, error) {
	var c Configuration
	// Configures the default values for many of the configuration options present
	// in the structs. Values set in the configuration file will be overridden.
	if err := defaults.Set(&c); err != nil {
		return nil, err
	}
	if path != "" {
		p, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		c.path = p
	}
	return &c, nil
}

// Set the global configuration instance. This is a blocking operation such that
// anything trying to set a different configuration value, or read the
// configuration will be paused until it is complete.
func Set(c *Configuration) {
	mu.Lock()
	_config = c
	mu.Unlock()
}

// Get returns the global configuration instance. This is a thread-safe
// operation that will block if the configuration is presently being modified.
//
// Be aware that you CANNOT make modifications to the currently stored
// configuration by modifying the struct returned by this function.
func Get() *Configuration {
	mu.RLock()
	// Create a copy of the struct so that all modifications made beyond this
	// point are immutable.
	c := *_config
	mu.RUnlock()
	return &c
}

// Update performs an in-situ update of the global configuration object using
// a thread-safe mutex lock.
func Update(callback func(c *Configuration)) {
	mu.Lock()
	callback(_config)
	mu.Unlock()
}

// FromFile reads the configuration from the provided file and stores it in the
// global singleton for this instance. A missing file is not an error, the
// defaults (and any environment overrides) are used instead.
func FromFile(path string) error {
	c, err := NewAtPath(path)
	if err != nil {
		return err
	}

	b, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "config: failed to read configuration file")
	}
	if err == nil {
		// Replace environment variables within the configuration file with their
		// values from the host system.
		b = []byte(os.ExpandEnv(string(b)))
		if err := yaml.Unmarshal(b, c); err != nil {
			return errors.Wrap(err, "config: failed to parse configuration file")
		}
	}

	if err := c.applyEnvironment(); err != nil {
		return err
	}

	// Lets go ahead and set the global configuration instance now that
	// everything is configured.
	Set(c)
	return nil
}

// GetPath returns the location of the configuration file.
func (c *Configuration) GetPath() string {
	return c.path
}

// Address returns the host and port the webserver should listen on.
func (c *Configuration) Address() string {
	return c.BindAddress + ":" + strconv.Itoa(c.Port)
}

// WriteToDisk writes the configuration to the disk. This is a blocking operation
// and will wait for any other write operations to finish before writing.
func (c *Configuration) WriteToDisk() error {
	if c.path == "" {
		return errors.New("cannot write configuration, no path defined in struct")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := os.WriteFile(c.path, b, 0o600); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Overrides any field that has a matching environment variable set. The name
// of the variable is the prefix followed by the env tag of the field. Lists are
// read as comma separated values.
func (c *Configuration) applyEnvironment() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvironmentPrefix}); err != nil {
		return errors.Wrap(err, "config: invalid environment override")
	}
	c.AllowedUploadTypes = trimEntries(c.AllowedUploadTypes)
	c.Denylist = trimEntries(c.Denylist)
	return nil
}

// Drops the whitespace around list entries, "a, b" is read as two entries.
func trimEntries(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// AllowsUploadType checks if the declared content type of an upload is in the
// list of accepted types. Parameters such as "; charset=" are ignored.
func (c *Configuration) AllowsUploadType(contentType string) bool {
	ct, _, _ := strings.Cut(contentType, ";")
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "" {
		return false
	}
	for _, allowed := range c.AllowedUploadTypes {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == ct {
			return true
		}
		if prefix, ok := strings.CutSuffix(allowed, "/*"); ok && strings.HasPrefix(ct, prefix+"/") {
			return true
		}
	}
	return false
}
