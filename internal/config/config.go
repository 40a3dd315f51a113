package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	syncerrors "github.com/alexjbarnes/dirsync/internal/errors"
	"github.com/alexjbarnes/dirsync/internal/logging"
	"github.com/alexjbarnes/dirsync/internal/state"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Roles a process can run as.
const (
	ModeRemote = "remote"
	ModeLocal  = "local"
)

const (
	// TokenMinLen is the minimum accepted token length.
	TokenMinLen = 8

	// StateDisabled as the state path turns persistence off.
	StateDisabled = "off"
)

// Config holds the startup configuration. Environment variables (and a
// .env file) are read first; command-line flags bound with BindFlags
// override them.
type Config struct {
	Mode      string `env:"DIRSYNC_MODE"`
	Port      int    `env:"DIRSYNC_PORT" envDefault:"8082"`
	Remote    string `env:"DIRSYNC_REMOTE" envDefault:"localhost"`
	IPVersion int    `env:"DIRSYNC_IP_VERSION" envDefault:"4"`

	// Dirs are the watched roots. Both peers must list the same number of
	// roots in the same order.
	Dirs []string `env:"DIRSYNC_DIRS" envSeparator:","`

	// Exclude holds regular expressions matched against root-relative
	// paths. Separated by ";" in the environment since patterns may
	// contain commas.
	Exclude []string `env:"DIRSYNC_EXCLUDE" envSeparator:";"`

	// DirsFile is an optional YAML file adding roots and excludes.
	DirsFile string `env:"DIRSYNC_DIRS_FILE"`

	Token string `env:"DIRSYNC_TOKEN"`

	// Identity is mixed into every message checksum. Both peers must
	// agree on it. Defaults to the current user name.
	Identity string `env:"DIRSYNC_IDENTITY"`

	ShutdownSecs int `env:"DIRSYNC_SHUTDOWN_SECS" envDefault:"43200"`
	Verbosity    int `env:"DIRSYNC_VERBOSITY" envDefault:"2"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// StatePath locates the fingerprint cache database. Empty means
	// ~/.dirsync/<mode>.db, "off" disables it.
	StatePath string `env:"DIRSYNC_STATE_PATH"`
}

// DirsFile is the layout of the YAML roots file.
type DirsFile struct {
	Dirs    []string `yaml:"dirs"`
	Exclude []string `yaml:"exclude"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. It may hold the token.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables, after loading a
// .env file if present. It does not validate; call Resolve once flags are
// parsed.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing environment: %v", syncerrors.ErrInvalidConfig, err)
	}

	return cfg, nil
}

// BindFlags registers the command-line flags on cmd. Current field values,
// already populated from the environment, become the flag defaults so a
// flag only wins when given.
func (c *Config) BindFlags(cmd *cobra.Command) {
	f := cmd.Flags()

	f.StringVarP(&c.Mode, "mode", "m", c.Mode, "role to run as: remote (server) or local (client)")
	f.IntVarP(&c.Port, "port", "p", c.Port, "remote server listen port")
	f.StringVarP(&c.Remote, "remote", "r", c.Remote, "remote machine to connect to")
	f.IntVarP(&c.IPVersion, "ip_version", "i", c.IPVersion, "IP version to use: 4 or 6")
	f.StringSliceVarP(&c.Dirs, "dirs", "d", c.Dirs, "directories to keep in sync")
	f.StringArrayVarP(&c.Exclude, "exclude", "x", c.Exclude, "regular expression of relative paths to skip (repeatable)")
	f.StringVar(&c.DirsFile, "dirs_file", c.DirsFile, "YAML file listing dirs and exclude patterns")
	f.StringVarP(&c.Token, "token", "t", c.Token, "token used to sign network messages")
	f.StringVar(&c.Identity, "identity", c.Identity, "identity mixed into message checksums (default: current user)")
	f.IntVarP(&c.ShutdownSecs, "shutdown_secs", "s", c.ShutdownSecs, "seconds until the process shuts itself down")
	f.IntVarP(&c.Verbosity, "verbosity", "v", c.Verbosity, "log verbosity: 0=error 1=warn 2=info 3=debug")
	f.StringVar(&c.StatePath, "state", c.StatePath, `fingerprint cache path, "off" to disable`)
}

// Resolve finishes the configuration after flag parsing: positional args
// are extra dirs, the dirs file is merged, defaults are filled in, and the
// result is validated. The token is read separately with ReadToken.
func (c *Config) Resolve(args []string) error {
	c.Dirs = append(c.Dirs, args...)

	if c.DirsFile != "" {
		if err := c.mergeDirsFile(c.DirsFile); err != nil {
			return err
		}
	}

	c.Mode = normalizeMode(c.Mode)

	if c.Identity == "" {
		c.Identity = defaultIdentity()
	}

	if err := c.validate(); err != nil {
		return err
	}

	for i, d := range c.Dirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			return fmt.Errorf("%w: resolving dir %s: %v", syncerrors.ErrInvalidConfig, d, err)
		}

		c.Dirs[i] = abs
	}

	return nil
}

func (c *Config) mergeDirsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading dirs file: %v", syncerrors.ErrInvalidConfig, err)
	}

	var df DirsFile
	if err := yaml.Unmarshal(data, &df); err != nil {
		return fmt.Errorf("%w: parsing dirs file %s: %v", syncerrors.ErrInvalidConfig, path, err)
	}

	c.Dirs = append(c.Dirs, df.Dirs...)
	c.Exclude = append(c.Exclude, df.Exclude...)

	return nil
}

func normalizeMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "remote", "server":
		return ModeRemote
	case "local", "client":
		return ModeLocal
	default:
		return mode
	}
}

// defaultIdentity mirrors the login name, falling back to the account
// database.
func defaultIdentity() string {
	if name := os.Getenv("USER"); name != "" {
		return name
	}

	if u, err := user.Current(); err == nil {
		return u.Username
	}

	return ""
}

func (c *Config) validate() error {
	if c.Mode != ModeRemote && c.Mode != ModeLocal {
		if c.Mode == "" {
			return fmt.Errorf("%w: mode is required (remote or local)", syncerrors.ErrInvalidConfig)
		}

		return fmt.Errorf("%w: unknown mode %q, expected remote or local", syncerrors.ErrInvalidConfig, c.Mode)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", syncerrors.ErrInvalidConfig, c.Port)
	}

	if c.IPVersion != 4 && c.IPVersion != 6 {
		return fmt.Errorf("%w: [%d]", syncerrors.ErrUnknownIPVersion, c.IPVersion)
	}

	if len(c.Dirs) == 0 {
		return fmt.Errorf("%w: at least one dir is required", syncerrors.ErrInvalidConfig)
	}

	for _, d := range c.Dirs {
		info, err := os.Stat(d)
		if err != nil {
			return fmt.Errorf("%w: dir %s must exist", syncerrors.ErrInvalidConfig, d)
		}

		if !info.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", syncerrors.ErrInvalidConfig, d)
		}
	}

	for _, p := range c.Exclude {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: invalid exclude pattern %q: %v", syncerrors.ErrInvalidConfig, p, err)
		}
	}

	if c.Verbosity < logging.VerbosityError || c.Verbosity > logging.VerbosityDebug {
		return fmt.Errorf("%w: verbosity %d out of range 0..3", syncerrors.ErrInvalidConfig, c.Verbosity)
	}

	if c.ShutdownSecs <= 0 {
		return fmt.Errorf("%w: shutdown_secs must be positive", syncerrors.ErrInvalidConfig)
	}

	if c.Identity == "" {
		return fmt.Errorf("%w: identity could not be determined, set DIRSYNC_IDENTITY", syncerrors.ErrInvalidConfig)
	}

	return nil
}

// Network returns the dial/listen network for the configured IP version.
func (c *Config) Network() string {
	if c.IPVersion == 6 {
		return "tcp6"
	}

	return "tcp4"
}

// ShutdownAfter returns how long the process may run before it shuts
// itself down.
func (c *Config) ShutdownAfter() time.Duration {
	return time.Duration(c.ShutdownSecs) * time.Second
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ResolveStatePath returns the fingerprint cache path, or "" when
// persistence is disabled.
func (c *Config) ResolveStatePath() (string, error) {
	switch c.StatePath {
	case StateDisabled:
		return "", nil
	case "":
		return state.DefaultPath(c.Mode)
	default:
		return c.StatePath, nil
	}
}

// ReadToken returns flagToken when set. Otherwise it prompts on prompt and
// reads the token from in: without echo when in is a terminal, as one line
// otherwise. The result must be at least TokenMinLen characters.
func ReadToken(flagToken string, in *os.File, prompt io.Writer) (string, error) {
	token := flagToken

	if token == "" {
		fmt.Fprint(prompt, "Please type the token for the communication: ")

		var err error

		if fd := int(in.Fd()); term.IsTerminal(fd) { //nolint:gosec // G115: file descriptors fit in int
			var raw []byte

			raw, err = term.ReadPassword(fd)
			fmt.Fprintln(prompt)

			token = string(raw)
		} else {
			token, err = bufio.NewReader(in).ReadString('\n')
			if errors.Is(err, io.EOF) {
				err = nil
			}
		}

		if err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}

		token = strings.TrimRight(token, "\r\n")
	}

	if len(token) < TokenMinLen {
		return "", fmt.Errorf("%w: a token of at least [%d] characters must be provided", syncerrors.ErrTokenTooShort, TokenMinLen)
	}

	return token, nil
}
