package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"strconv"
)

const maxPutSize = 8 << 20

// publisher is the part of the sync server the HTTP layer talks to.
type publisher interface {
	Publish(ctx context.Context, m *NavigateMessage) error
	Snapshot(ctx context.Context) (ViewState, error)
}

// frontDoor maps GET, PUT and DELETE requests onto producer messages and
// serves the browser shell.
type frontDoor struct {
	cfg      *Config
	sync     publisher
	shutdown func()
	logger   *slog.Logger
}

func newFrontDoor(cfg *Config, sync publisher, shutdown func(), logger *slog.Logger) *frontDoor {
	return &frontDoor{cfg: cfg, sync: sync, shutdown: shutdown, logger: logger}
}

// routes registers all HTTP routes
func (f *frontDoor) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/@static/", http.StripPrefix("/@static", http.FileServer(http.Dir(f.cfg.Home))))
	mux.HandleFunc("/", withRecovery(f.logger, f.serveIndex))
	return mux
}

// withRecovery wraps an HTTP handler with panic recovery
func withRecovery(logger *slog.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic in handler", "panic", err, "path", r.URL.Path, "stack", string(debug.Stack()))
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

func (f *frontDoor) serveIndex(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f.handleGet(w, r)
	case http.MethodHead:
		f.handleHead(w, r)
	case http.MethodPut:
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		f.handlePut(w, r)
	case http.MethodDelete:
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		f.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, HEAD, PUT, DELETE")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleGet publishes the requested directory or file and answers with the
// shell, which then receives the new view over the websocket.
func (f *frontDoor) handleGet(w http.ResponseWriter, r *http.Request) {
	rel := path.Clean("/" + r.URL.Path)
	abs := filepath.Join(f.cfg.Home, filepath.FromSlash(rel))

	info, err := os.Stat(abs)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	var msg *NavigateMessage
	if info.IsDir() {
		cwd := normalizeCwd(rel)
		msg = &NavigateMessage{ViewState: ViewState{
			Client:  RoleProducer,
			Func:    FuncDir,
			Cwd:     cwd,
			FileCwd: cwd,
		}}
	} else {
		binary, err := isBinaryFile(abs)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if binary {
			http.Redirect(w, r, "/@static"+rel, http.StatusFound)
			return
		}
		content, err := os.ReadFile(abs)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		cwd := normalizeCwd(path.Dir(rel))
		msg = &NavigateMessage{ViewState: ViewState{
			Client:   RoleProducer,
			Func:     FuncFile,
			Cwd:      cwd,
			Filename: path.Base(rel),
			FileBody: string(content),
			FileCwd:  cwd,
			FileOpen: true,
		}}
	}

	if err := f.sync.Publish(r.Context(), msg); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			http.NotFound(w, r)
			return
		case errors.Is(err, ErrDropped):
			// The shell still opens with whatever view is current.
		default:
			f.logger.Error("publish failed", "path", rel, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}
	f.writeShell(w)
}

// handleHead answers like GET but never publishes, so open tabs stay put.
func (f *frontDoor) handleHead(w http.ResponseWriter, r *http.Request) {
	rel := path.Clean("/" + r.URL.Path)
	if _, err := os.Stat(filepath.Join(f.cfg.Home, filepath.FromSlash(rel))); err != nil {
		http.NotFound(w, r)
		return
	}
	f.writeShell(w)
}

func (f *frontDoor) writeShell(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	data := shellData{
		Home:         f.cfg.Home,
		WebsocketURL: "ws://" + net.JoinHostPort(f.cfg.WebsocketHost, strconv.Itoa(f.cfg.WebsocketPort)) + "/",
		MarkdownCSS:  f.cfg.MarkdownCSS,
		Interactive:  f.cfg.Interactive,
	}
	if err := renderShell(w, data); err != nil {
		f.logger.Error("template execution failed", "error", err)
	}
}

// handlePut shows the request body as a virtual markdown file in the
// current directory.
func (f *frontDoor) handlePut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPutSize))
	if err != nil {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	cur, err := f.sync.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	msg := &NavigateMessage{ViewState: ViewState{
		Client:       RoleProducer,
		Func:         FuncFile,
		Cwd:          cur.Cwd,
		CwdBody:      cur.CwdBody,
		CwdEncoded:   cur.CwdEncoded,
		Filename:     filenamePut,
		FileBody:     string(body),
		FileCwd:      cur.Cwd,
		FileOpen:     true,
		FileEncoding: string(EncodingMarkdown),
	}}
	if err := f.sync.Publish(r.Context(), msg); err != nil {
		f.logger.Warn("PUT not shown", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleDelete answers first, then shuts the process down.
func (f *frontDoor) handleDelete(w http.ResponseWriter, r *http.Request) {
	f.logger.Info("shutdown requested", "remote", r.RemoteAddr)
	io.WriteString(w, "success.\n")
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	go f.shutdown()
}

// isBinaryFile reports whether the first KiB of a file holds bytes that do
// not occur in text.
func isBinaryFile(name string) (bool, error) {
	file, err := os.Open(name)
	if err != nil {
		return false, err
	}
	defer file.Close()

	buf := make([]byte, 1024)
	n, err := io.ReadFull(file, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err
	}
	for _, b := range buf[:n] {
		if !isTextByte(b) {
			return true, nil
		}
	}
	return false, nil
}

func isTextByte(b byte) bool {
	switch {
	case b >= 0x20 && b != 0x7f:
		return true
	case b == '\a', b == '\b', b == '\t', b == '\n', b == '\f', b == '\r', b == 0x1b:
		return true
	}
	return false
}
