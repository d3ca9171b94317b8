package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// discardLogger returns a logger that drops everything
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestFile creates a file with specified content, creating parent directories
func createTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create parent of %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test file %s: %v", path, err)
	}
	return path
}

// createSimpleTestFile creates a basic test markdown file with standard content
func createSimpleTestFile(t *testing.T, dir string) string {
	t.Helper()
	return createTestFile(t, dir, "test.md", testMarkdownSimple)
}

// createTestTree creates a small home directory used by most tests:
//
//	docs/readme.md, docs/guide/, notes.txt, Zeta.md, alpha/
func createTestTree(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	createTestFile(t, home, "docs/readme.md", testMarkdownHeader)
	createTestFile(t, home, "docs/guide/intro.md", testMarkdownSimple)
	createTestFile(t, home, "notes.txt", testTextPlain)
	createTestFile(t, home, "Zeta.md", testMarkdownSimple)
	if err := os.Mkdir(filepath.Join(home, "alpha"), 0755); err != nil {
		t.Fatalf("failed to create test dir: %v", err)
	}
	return home
}

// fakeNotebook is a NotebookConverter with a canned answer
type fakeNotebook struct {
	out   string
	err   error
	calls int
}

func (f *fakeNotebook) Convert(ctx context.Context, notebook string) (string, error) {
	f.calls++
	return f.out, f.err
}

// newTestEncoder creates an encoder whose static links point at testStaticURL
func newTestEncoder(notebook NotebookConverter) *Encoder {
	if notebook == nil {
		notebook = &fakeNotebook{err: ErrConverterUnavailable}
	}
	return NewEncoder(EncodingMarkdown, testStaticURL, notebook, discardLogger())
}

// newTestStore creates a store rooted at home with an initial root view
func newTestStore(t *testing.T, home string) *Store {
	t.Helper()
	return NewStore(ViewState{Client: RoleProducer, Func: FuncDir, Cwd: "/"},
		NewDirectoryRenderer(home, testBaseURL), newTestEncoder(nil))
}

// dirMessage builds a complete, unrendered dir message
func dirMessage(cwd string) *NavigateMessage {
	return &NavigateMessage{ViewState: ViewState{
		Client:  RoleProducer,
		Func:    FuncDir,
		Cwd:     cwd,
		FileCwd: cwd,
	}}
}

// fileMessage builds a complete, unencoded file message
func fileMessage(cwd, filename, body string) *NavigateMessage {
	return &NavigateMessage{ViewState: ViewState{
		Client:   RoleProducer,
		Func:     FuncFile,
		Cwd:      cwd,
		Filename: filename,
		FileBody: body,
		FileCwd:  cwd,
		FileOpen: true,
	}}
}

// startTestServer runs a sync server over home behind an httptest server
// and returns it with its websocket URL. Both stop at test cleanup.
// configure runs before the dispatch loop starts.
func startTestServer(t *testing.T, home string, configure ...func(*Server)) (*Server, string) {
	t.Helper()
	server := NewServer(ServerConfig{Home: home}, NewDirectoryRenderer(home, testBaseURL), newTestEncoder(nil), discardLogger())
	for _, fn := range configure {
		fn(server)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Run(ctx)
	}()

	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		cancel()
		<-done
		ts.Close()
	})
	return server, "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
}

// dialRaw opens a websocket connection without registering
func dialRaw(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// dialConsumer registers a consumer and returns it with the view it was
// sent on registration
func dialConsumer(t *testing.T, url string) (*websocket.Conn, ViewState) {
	t.Helper()
	conn := dialRaw(t, url)
	sendJSON(t, conn, map[string]any{"client": "js"})
	return conn, readViewState(t, conn)
}

// sendJSON writes v as one text frame
func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("failed to send frame: %v", err)
	}
}

// readFrame reads one text frame, failing after two seconds
func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return data
}

// readViewState reads one frame and decodes it as a view
func readViewState(t *testing.T, conn *websocket.Conn) ViewState {
	t.Helper()
	data := readFrame(t, conn)
	var v ViewState
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("frame is not a view state: %v: %s", err, data)
	}
	return v
}

// assertNoFrame checks that nothing arrives on conn for a short while
func assertNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Errorf("expected no frame, got %s", data)
	}
}

// wireFrame returns the full wire form of a navigation message
func wireFrame(m *NavigateMessage) map[string]any {
	return map[string]any{
		"client":       string(m.Client),
		"func":         string(m.Func),
		"cwd":          m.Cwd,
		"cwdBody":      m.CwdBody,
		"cwdEncoded":   m.CwdEncoded,
		"filename":     m.Filename,
		"fileBody":     m.FileBody,
		"fileCwd":      m.FileCwd,
		"fileOpen":     m.FileOpen,
		"fileEncoding": m.FileEncoding,
		"fileEncoded":  m.FileEncoded,
	}
}

// assertValidHTML checks for required HTML structure elements
func assertValidHTML(t *testing.T, html string) {
	t.Helper()
	required := []string{
		"<!DOCTYPE html>",
		"<html",
		"<head>",
		"<body>",
		"</body>",
		"</html>",
	}
	for _, tag := range required {
		if !strings.Contains(html, tag) {
			t.Errorf("HTML missing required tag: %s", tag)
		}
	}
}

// assertContains is a helper for checking string containment with clear error messages
func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected string to contain %q, got: %s", substr, s)
	}
}

// assertNotContains is a helper for checking string non-containment
func assertNotContains(t *testing.T, s, substr string) {
	t.Helper()
	if strings.Contains(s, substr) {
		t.Errorf("expected string NOT to contain %q, but it does", substr)
	}
}

// assertStatusCode checks HTTP status code with clear error message
func assertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("expected status code %d, got %d", want, got)
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, which needs Go 1.24)
func chdir(t *testing.T, dir string) {
	t.Helper()
	oldwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	abs := dir
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(oldwd, dir)
	}
	t.Setenv("PWD", abs)
	t.Cleanup(func() {
		if err := os.Chdir(oldwd); err != nil {
			panic("testing: chdir cleanup: " + err.Error())
		}
	})
}
