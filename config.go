package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
)

const defaultMarkdownCSS = "https://cdnjs.cloudflare.com/ajax/libs/github-markdown-css/3.0.1/github-markdown.css"

// Config holds every smdv option. The JSON names are the keys accepted in
// the config file.
type Config struct {
	Home          string `json:"home"`
	Stdin         string `json:"stdin"`
	Port          int    `json:"port"`
	WebsocketPort int    `json:"websocketPort"`
	Host          string `json:"host"`
	WebsocketHost string `json:"websocketHost"`
	MarkdownCSS   string `json:"mdCssCdn"`
	Browser       string `json:"browser"`
	Terminal      string `json:"terminal"`
	NvimAddress   string `json:"nvimAddress"`
	Interactive   bool   `json:"interactive"`
	NoBrowser     bool   `json:"noBrowser"`
	Watch         bool   `json:"watch"`
	LogLevel      string `json:"logLevel"`

	// Command line only.
	Restart      bool   `json:"-"`
	Serve        bool   `json:"-"`
	Start        bool   `json:"-"`
	Stop         bool   `json:"-"`
	ServerStatus bool   `json:"-"`
	Version      bool   `json:"-"`
	Help         bool   `json:"-"`
	Target       string `json:"-"`
}

func defaultConfig(getenv func(string) string) *Config {
	return &Config{
		Home:          getenv("HOME"),
		Stdin:         string(EncodingMarkdown),
		Port:          9876,
		WebsocketPort: 9877,
		Host:          "localhost",
		WebsocketHost: "localhost",
		MarkdownCSS:   defaultMarkdownCSS,
		Browser:       getenv("BROWSER"),
		Terminal:      getenv("TERMINAL"),
		NvimAddress:   "127.0.0.1:9878",
		Watch:         true,
		LogLevel:      "info",
	}
}

// configPath is $SMDV_CONFIG, or config.jsonc in the user config directory.
func configPath(getenv func(string) string) string {
	if p := getenv("SMDV_CONFIG"); p != "" {
		return p
	}
	dir := getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "smdv", "config.jsonc")
}

// loadConfigFile merges a JSONC config file into cfg. A missing file is
// not an error.
func loadConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// newFlagSet binds every flag to cfg, using its current values as defaults.
func newFlagSet(name string, cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVarP(&cfg.Home, "home", "H", cfg.Home, "root folder of the smdv server")
	fs.StringVar(&cfg.Stdin, "stdin", cfg.Stdin, "encoding of content piped into smdv (md, html, txt)")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "port on which smdv is served")
	fs.IntVarP(&cfg.WebsocketPort, "websocket-port", "w", cfg.WebsocketPort, "port for websocket communication")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "host on which smdv is served (localhost, 127.0.0.1)")
	fs.StringVar(&cfg.WebsocketHost, "websocket-host", cfg.WebsocketHost, "host for websocket communication (localhost, 127.0.0.1)")
	fs.StringVar(&cfg.MarkdownCSS, "md-css-cdn", cfg.MarkdownCSS, "location of the markdown stylesheet")
	fs.StringVarP(&cfg.Browser, "browser", "b", cfg.Browser, "browser to spawn (default $BROWSER)")
	fs.StringVarP(&cfg.Terminal, "terminal", "t", cfg.Terminal, "terminal to spawn for the editor (default $TERMINAL)")
	fs.StringVarP(&cfg.NvimAddress, "nvim-address", "v", cfg.NvimAddress, "address or socket of the neovim server")
	fs.BoolVarP(&cfg.Interactive, "interactive", "i", cfg.Interactive, "also open every file shown in smdv in neovim")
	fs.BoolVarP(&cfg.NoBrowser, "no-browser", "B", cfg.NoBrowser, "do not open a browser")
	fs.BoolVarP(&cfg.Restart, "restart", "r", cfg.Restart, "restart the smdv servers")
	fs.BoolVar(&cfg.Watch, "watch", cfg.Watch, "reload the open file when it changes on disk")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	fs.BoolVar(&cfg.Serve, "serve", cfg.Serve, "run both servers in the foreground")
	fs.BoolVar(&cfg.Start, "start", cfg.Start, "start both servers in the background")
	fs.BoolVar(&cfg.Stop, "stop", cfg.Stop, "stop the running servers")
	fs.BoolVar(&cfg.ServerStatus, "server-status", cfg.ServerStatus, "print the status of both servers")
	fs.BoolVar(&cfg.Version, "version", cfg.Version, "print version information")
	fs.BoolVarP(&cfg.Help, "help", "h", false, "show help")
	return fs
}

// loadConfig resolves the configuration: defaults, then the config file,
// then SMDV_DEFAULT_ARGS, then args.
func loadConfig(args []string, getenv func(string) string) (*Config, *pflag.FlagSet, error) {
	cfg := defaultConfig(getenv)
	if err := loadConfigFile(cfg, configPath(getenv)); err != nil {
		return nil, nil, err
	}

	if defaults := strings.Fields(getenv("SMDV_DEFAULT_ARGS")); len(defaults) > 0 {
		fs := newFlagSet("SMDV_DEFAULT_ARGS", cfg)
		if err := fs.Parse(defaults); err != nil {
			return nil, nil, fmt.Errorf("SMDV_DEFAULT_ARGS: %w", err)
		}
		if fs.NArg() > 0 {
			cfg.Target = fs.Arg(0)
		}
	}

	fs := newFlagSet("smdv", cfg)
	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	switch fs.NArg() {
	case 0:
	case 1:
		cfg.Target = fs.Arg(0)
	default:
		return nil, fs, fmt.Errorf("unexpected argument: %s", fs.Arg(1))
	}

	if err := cfg.validate(); err != nil {
		return nil, fs, err
	}
	return cfg, fs, nil
}

func (c *Config) validate() error {
	if strings.HasPrefix(c.Home, "~") {
		c.Home = filepath.Join(os.Getenv("HOME"), strings.TrimPrefix(c.Home, "~"))
	}
	if abs, err := filepath.Abs(c.Home); err == nil {
		c.Home = abs
	}
	if c.Home != "/" {
		c.Home = strings.TrimSuffix(c.Home, "/")
	}
	if info, err := os.Stat(c.Home); err != nil || !info.IsDir() {
		return fmt.Errorf("invalid home location: %s", c.Home)
	}

	switch Encoding(c.Stdin) {
	case EncodingMarkdown, EncodingHTML, EncodingText:
	default:
		return fmt.Errorf("invalid --stdin encoding %q (md, html, txt)", c.Stdin)
	}
	for flag, host := range map[string]string{"--host": c.Host, "--websocket-host": c.WebsocketHost} {
		if host != "localhost" && host != "127.0.0.1" {
			return fmt.Errorf("invalid %s %q (localhost, 127.0.0.1)", flag, host)
		}
	}
	if c.Port == c.WebsocketPort {
		return fmt.Errorf("--port and --websocket-port must differ (both %d)", c.Port)
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}

	shots := 0
	for _, set := range []bool{c.Serve, c.Start, c.Stop, c.ServerStatus, c.Version} {
		if set {
			shots++
		}
	}
	if shots > 1 {
		return errors.New("--serve, --start, --stop, --server-status and --version are mutually exclusive")
	}
	return nil
}

func parseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, fmt.Errorf("invalid --log-level %q", level)
	}
	return l, nil
}

// serveArgs are the flags that reproduce c in a spawned server process.
func (c *Config) serveArgs() []string {
	args := []string{
		"--serve",
		"--home", c.Home,
		"--stdin", c.Stdin,
		"--port", fmt.Sprint(c.Port),
		"--websocket-port", fmt.Sprint(c.WebsocketPort),
		"--host", c.Host,
		"--websocket-host", c.WebsocketHost,
		"--md-css-cdn", c.MarkdownCSS,
		"--nvim-address", c.NvimAddress,
		"--log-level", c.LogLevel,
		fmt.Sprintf("--watch=%t", c.Watch),
	}
	if c.Terminal != "" {
		args = append(args, "--terminal", c.Terminal)
	}
	if c.Interactive {
		args = append(args, "--interactive")
	}
	return args
}
