package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"
)

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `smdv: a simple markdown viewer

Shows a file or directory under the smdv home in the browser and keeps
every open tab in sync. Content piped into smdv is shown as a virtual file.

Usage:
  smdv [flags] [path]
  command | smdv [flags]

Examples:
  smdv README.md
  smdv -i ~/notes
  curl -s https://example.com/doc.md | smdv
  curl -X PUT --data-binary @doc.md http://localhost:9876/

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}

// show makes sure the servers run and a browser is connected, then
// publishes the target path or the piped input.
func show(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	producer := NewProducer(cfg.WebsocketHost, cfg.WebsocketPort)
	running := func(ctx context.Context) bool {
		return tcpReachable(httpAddr(cfg)) && producer.Reachable(ctx)
	}

	if cfg.Restart && running(ctx) {
		if err := stopServers(ctx, cfg); err != nil {
			logger.Warn("stopping running server failed", "error", err)
		}
		stopped := func(ctx context.Context) bool { return !tcpReachable(httpAddr(cfg)) }
		if err := waitFor(ctx, serverWaitAttempts, waitInterval, "server shutdown", stopped); err != nil {
			return err
		}
	}

	if !running(ctx) {
		logger.Debug("starting servers in the background")
		if err := startBackground(cfg); err != nil {
			return err
		}
	}
	if err := waitFor(ctx, serverWaitAttempts, waitInterval, "smdv servers", running); err != nil {
		return err
	}

	if !cfg.NoBrowser {
		n, err := producer.NumConsumers(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := openBrowser(cfg.Browser, "http://"+httpAddr(cfg)); err != nil {
				return fmt.Errorf("opening browser: %w", err)
			}
			connected := func(ctx context.Context) bool {
				n, err := producer.NumConsumers(ctx)
				return err == nil && n > 0
			}
			if err := waitFor(ctx, consumerWaitAttempts, waitInterval, "browser connection", connected); err != nil {
				return err
			}
		}
	}

	piped := !term.IsTerminal(int(os.Stdin.Fd()))
	var msg *NavigateMessage
	var err error
	switch {
	case cfg.Target != "":
		if piped {
			logger.Warn("both a path and piped input given, the path takes precedence")
		}
		msg, err = targetMessage(cfg.Home, cfg.Target)
	case piped:
		msg, err = stdinMessage(os.Stdin, cfg.Home, Encoding(cfg.Stdin))
	default:
		return nil
	}
	if err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return producer.Publish(ctx, msg)
}

// homeRelative turns an absolute path into a path relative to home, "/"
// separated and starting with "/".
func homeRelative(home, abs string) (string, error) {
	rel, err := filepath.Rel(home, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the smdv home %s", abs, home)
	}
	if rel == "." {
		return "/", nil
	}
	return "/" + filepath.ToSlash(rel), nil
}

// targetMessage builds the message that shows target, a file or directory.
func targetMessage(home, target string) (*NavigateMessage, error) {
	if strings.HasPrefix(target, "~") {
		target = filepath.Join(os.Getenv("HOME"), strings.TrimPrefix(target, "~"))
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	rel, err := homeRelative(home, abs)
	if err != nil {
		return nil, err
	}

	if info.IsDir() {
		cwd := normalizeCwd(rel)
		return &NavigateMessage{ViewState: ViewState{
			Client:  RoleProducer,
			Func:    FuncDir,
			Cwd:     cwd,
			FileCwd: cwd,
		}}, nil
	}

	binary, err := isBinaryFile(abs)
	if err != nil {
		return nil, err
	}
	if binary {
		return nil, fmt.Errorf("%s is a binary file", target)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	cwd := normalizeCwd(filepath.ToSlash(filepath.Dir(rel)))
	return &NavigateMessage{ViewState: ViewState{
		Client:   RoleProducer,
		Func:     FuncFile,
		Cwd:      cwd,
		Filename: filepath.Base(abs),
		FileBody: string(content),
		FileCwd:  cwd,
		FileOpen: true,
	}}, nil
}

// stdinMessage builds the message for piped input. A JSON object is merged
// over the defaults; anything else becomes the body of the @pipe file.
func stdinMessage(r io.Reader, home string, encoding Encoding) (*NavigateMessage, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}

	cwd := "/"
	if wd, err := os.Getwd(); err == nil {
		if rel, err := homeRelative(home, wd); err == nil {
			cwd = normalizeCwd(rel)
		}
	}

	msg := &NavigateMessage{ViewState: ViewState{
		Client:       RoleProducer,
		Func:         FuncFile,
		Cwd:          cwd,
		Filename:     filenamePipe,
		FileCwd:      cwd,
		FileOpen:     true,
		FileEncoding: string(encoding),
	}}

	trimmed := strings.TrimSpace(string(content))
	if strings.HasPrefix(trimmed, "{") {
		overlay := *msg
		if err := json.Unmarshal(content, &overlay); err == nil {
			overlay.Client = RoleProducer
			return &overlay, nil
		}
	}
	msg.FileBody = string(content)
	return msg, nil
}

// openBrowser opens url in the configured browser, or the system default.
func openBrowser(browser, url string) error {
	switch {
	case browser == "":
		return openURL(url)
	case browser == "chromium --app":
		return exec.Command("chromium", "--app="+url).Start()
	default:
		fields := strings.Fields(browser)
		return exec.Command(fields[0], append(fields[1:], url)...).Start()
	}
}

// stopServers asks the running server to shut down.
func stopServers(ctx context.Context, cfg *Config) error {
	ctx, cancel := context.WithTimeout(ctx, producerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, "http://"+httpAddr(cfg)+"/", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if strings.TrimSpace(string(body)) != "success." {
		return errors.New("server did not confirm shutdown")
	}
	return nil
}

func printStatus(cfg *Config) {
	fmt.Printf("smdv server: %s\n", serverStatus(httpAddr(cfg)))
	fmt.Printf("websocket server: %s\n", serverStatus(websocketAddr(cfg)))
}

func serverStatus(addr string) string {
	if tcpReachable(addr) {
		return "running"
	}
	return "stopped"
}

func tcpReachable(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, waitInterval)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
