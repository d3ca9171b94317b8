package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// nvrEditor opens files in neovim through neovim-remote. The address is
// either host:port or the path of a unix socket.
type nvrEditor struct {
	address  string
	terminal string
	logger   *slog.Logger
}

func newNvrEditor(address, terminal string, logger *slog.Logger) *nvrEditor {
	return &nvrEditor{
		address:  strings.TrimSpace(address),
		terminal: terminal,
		logger:   logger,
	}
}

// Open starts nvr for path and returns without waiting for it. A missing
// path or an empty address does nothing.
func (e *nvrEditor) Open(path string) error {
	if e.address == "" || !fileExists(path) {
		return nil
	}
	if !isTCPAddress(e.address) {
		if err := os.MkdirAll(filepath.Dir(e.address), 0o755); err != nil {
			return fmt.Errorf("nvim socket dir: %w", err)
		}
	}

	var cmd *exec.Cmd
	if socketInUse(e.address) {
		cmd = exec.Command("nvr", "-s", "--nostart", "--servername", e.address, path)
	} else {
		if e.terminal == "" {
			return fmt.Errorf("no terminal configured to start neovim for %s", path)
		}
		cmd = exec.Command(e.terminal, "-e", "nvr", "-s", "--servername", e.address, path)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	e.logger.Debug("editor started", "path", path, "address", e.address)
	go func() { _ = cmd.Wait() }()
	return nil
}

func isTCPAddress(address string) bool {
	return strings.Contains(address, ":")
}

// socketInUse reports whether something listens on a TCP address, or
// whether a unix socket file exists.
func socketInUse(address string) bool {
	if !isTCPAddress(address) {
		return fileExists(address)
	}
	conn, err := net.DialTimeout("tcp", address, 300*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
