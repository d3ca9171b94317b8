package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// recordingEditor reports every opened path on a channel
type recordingEditor struct {
	opened chan string
}

func (e *recordingEditor) Open(path string) error {
	e.opened <- path
	return nil
}

// dialProducer opens a connection whose first frame is sent by the test
func dialProducer(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	return dialRaw(t, url)
}

func readErrorFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	data := readFrame(t, conn)
	var frame errorFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Func != funcError {
		t.Fatalf("expected an error frame, got %s", data)
	}
	return frame.Error
}

// TestServer_ConsumerGetsCurrentState tests the state sent on registration
func TestServer_ConsumerGetsCurrentState(t *testing.T) {
	home := createTestTree(t)
	_, url := startTestServer(t, home)

	first, state := dialConsumer(t, url)
	if state.Cwd != "/" || !state.CwdEncoded || state.FileOpen {
		t.Fatalf("unexpected initial state: %+v", state)
	}
	assertContains(t, state.CwdBody, "docs")

	producer := dialProducer(t, url)
	sendJSON(t, producer, wireFrame(dirMessage("/docs/")))
	committed := readViewState(t, first)

	// A consumer registering later gets exactly the committed view
	_, late := dialConsumer(t, url)
	if late != committed {
		t.Errorf("late consumer got %+v, want %+v", late, committed)
	}
	if late.Cwd != "/docs/" || late.FileOpen {
		t.Errorf("late consumer got cwd=%s fileOpen=%v, want /docs/ directory view", late.Cwd, late.FileOpen)
	}
	assertContains(t, late.CwdBody, "readme.md")
}

// TestServer_UnknownRole tests that an unknown role is refused
func TestServer_UnknownRole(t *testing.T) {
	_, url := startTestServer(t, createTestTree(t))

	conn := dialRaw(t, url)
	sendJSON(t, conn, map[string]any{"client": "bogus"})

	assertContains(t, readErrorFrame(t, conn), "not a valid client identifier")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection should be closed after a refused registration")
	}
}

// TestServer_Broadcast tests that every consumer gets the same frame
func TestServer_Broadcast(t *testing.T) {
	_, url := startTestServer(t, createTestTree(t))
	c1, _ := dialConsumer(t, url)
	c2, _ := dialConsumer(t, url)

	producer := dialProducer(t, url)
	sendJSON(t, producer, wireFrame(fileMessage("/docs/", "readme.md", testMarkdownHeader)))

	f1 := readFrame(t, c1)
	f2 := readFrame(t, c2)
	if !bytes.Equal(f1, f2) {
		t.Errorf("consumers got different frames:\n%s\n%s", f1, f2)
	}

	var v ViewState
	if err := json.Unmarshal(f1, &v); err != nil {
		t.Fatalf("broadcast is not a view state: %v", err)
	}
	if v.Filename != "readme.md" || !v.FileEncoded || !v.FileOpen {
		t.Errorf("unexpected broadcast: %+v", v)
	}
	assertContains(t, v.FileBody, "<strong>test</strong>")

	// The producer itself is not a consumer
	assertNoFrame(t, producer)
}

// TestServer_BroadcastOrder tests that consumers see messages in dispatch order
func TestServer_BroadcastOrder(t *testing.T) {
	_, url := startTestServer(t, createTestTree(t))
	c1, _ := dialConsumer(t, url)
	c2, _ := dialConsumer(t, url)

	producer := dialProducer(t, url)
	cwds := []string{"/docs/", "/alpha/", "/", "/docs/guide/"}
	for _, cwd := range cwds {
		sendJSON(t, producer, wireFrame(dirMessage(cwd)))
	}

	for _, conn := range []*websocket.Conn{c1, c2} {
		for _, want := range cwds {
			if got := readViewState(t, conn).Cwd; got != want {
				t.Errorf("got cwd %s, want %s", got, want)
			}
		}
	}
}

// TestServer_InvalidMessage tests that a rejected message is not broadcast
func TestServer_InvalidMessage(t *testing.T) {
	_, url := startTestServer(t, createTestTree(t))
	consumer, _ := dialConsumer(t, url)

	producer := dialProducer(t, url)
	frame := wireFrame(fileMessage("/docs/", "readme.md", testMarkdownHeader))
	delete(frame, "fileCwd")
	sendJSON(t, producer, frame)

	assertContains(t, readErrorFrame(t, producer), "fileCwd")
	assertNoFrame(t, consumer)

	// The connection survives a bad message
	sendJSON(t, producer, wireFrame(dirMessage("/alpha/")))
	if got := readViewState(t, consumer).Cwd; got != "/alpha/" {
		t.Errorf("got cwd %s after recovering, want /alpha/", got)
	}
}

// TestServer_NotFound tests that a missing directory is reported to the sender only
func TestServer_NotFound(t *testing.T) {
	_, url := startTestServer(t, createTestTree(t))
	consumer, _ := dialConsumer(t, url)

	producer := dialProducer(t, url)
	sendJSON(t, producer, wireFrame(dirMessage("/missing/")))

	assertContains(t, readErrorFrame(t, producer), "not found")
	assertNoFrame(t, consumer)
}

// TestServer_NumJSClients tests the consumer count reply
func TestServer_NumJSClients(t *testing.T) {
	_, url := startTestServer(t, createTestTree(t))

	ask := func() string {
		producer := dialProducer(t, url)
		sendJSON(t, producer, map[string]any{"client": "py", "func": "numJSClients"})
		return string(readFrame(t, producer))
	}

	if got := ask(); got != "0" {
		t.Errorf("numJSClients = %s, want 0", got)
	}
	dialConsumer(t, url)
	dialConsumer(t, url)
	if got := ask(); got != "2" {
		t.Errorf("numJSClients = %s, want 2", got)
	}
}

// TestServer_Back tests back over the wire
func TestServer_Back(t *testing.T) {
	home := t.TempDir()
	createTestFile(t, home, "a/one.md", testMarkdownSimple)
	createTestFile(t, home, "b/two.md", testMarkdownSimple)
	_, url := startTestServer(t, home)
	consumer, _ := dialConsumer(t, url)

	producer := dialProducer(t, url)
	sendJSON(t, producer, wireFrame(dirMessage("/a/")))
	sendJSON(t, producer, wireFrame(dirMessage("/b/")))
	sendJSON(t, producer, map[string]any{"client": "py", "func": "back", "fileOpen": false})

	readViewState(t, consumer)
	readViewState(t, consumer)
	back := readViewState(t, consumer)
	if back.Cwd != "/a/" {
		t.Errorf("cwd after back = %s, want /a/", back.Cwd)
	}
	assertContains(t, back.CwdBody, "one.md")

	// A consumer drives forward itself
	sendJSON(t, consumer, map[string]any{"client": "js", "func": "forward"})
	if got := readViewState(t, consumer).Cwd; got != "/b/" {
		t.Errorf("cwd after forward = %s, want /b/", got)
	}
}

// TestServer_BackNoop tests that back without history broadcasts nothing
func TestServer_BackNoop(t *testing.T) {
	_, url := startTestServer(t, createTestTree(t))
	consumer, _ := dialConsumer(t, url)

	sendJSON(t, consumer, map[string]any{"client": "js", "func": "back", "fileOpen": false})
	assertNoFrame(t, consumer)
}

// TestServer_EditFile tests that editFile opens the current file
func TestServer_EditFile(t *testing.T) {
	home := createTestTree(t)
	editor := &recordingEditor{opened: make(chan string, 1)}
	_, url := startTestServer(t, home, func(s *Server) { s.SetEditor(editor) })
	consumer, _ := dialConsumer(t, url)

	sendJSON(t, consumer, wireFrame(fileMessage("/docs/", "readme.md", testMarkdownHeader)))
	readViewState(t, consumer)
	sendJSON(t, consumer, map[string]any{"client": "js", "func": "editFile"})

	select {
	case path := <-editor.opened:
		if want := filepath.Join(home, "docs", "readme.md"); path != want {
			t.Errorf("editor opened %s, want %s", path, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("editor was not invoked")
	}
	assertNoFrame(t, consumer)
}

// TestServer_Interactive tests that interactive mode opens new files once
func TestServer_Interactive(t *testing.T) {
	home := createTestTree(t)
	editor := &recordingEditor{opened: make(chan string, 4)}
	_, url := startTestServer(t, home, func(s *Server) {
		s.cfg.Interactive = true
		s.SetEditor(editor)
	})
	consumer, _ := dialConsumer(t, url)

	producer := dialProducer(t, url)
	sendJSON(t, producer, wireFrame(fileMessage("/docs/", "readme.md", testMarkdownHeader)))
	sendJSON(t, producer, wireFrame(fileMessage("/docs/", "readme.md", testMarkdownSimple)))
	sendJSON(t, producer, wireFrame(fileMessage("/", filenamePipe, testMarkdownSimple)))
	for i := 0; i < 3; i++ {
		readViewState(t, consumer)
	}

	select {
	case path := <-editor.opened:
		if want := filepath.Join(home, "docs", "readme.md"); path != want {
			t.Errorf("editor opened %s, want %s", path, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("editor was not invoked")
	}
	select {
	case path := <-editor.opened:
		t.Errorf("editor opened %s a second time", path)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestServer_PublishSnapshot tests the in-process producer path
func TestServer_PublishSnapshot(t *testing.T) {
	server, url := startTestServer(t, createTestTree(t))
	consumer, _ := dialConsumer(t, url)
	ctx := context.Background()

	if err := server.Publish(ctx, dirMessage("/docs/")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	state, err := server.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if state.Cwd != "/docs/" {
		t.Errorf("snapshot cwd = %s, want /docs/", state.Cwd)
	}
	if got := readViewState(t, consumer); got != state {
		t.Errorf("broadcast %+v differs from snapshot %+v", got, state)
	}

	if err := server.Publish(ctx, dirMessage("/missing/")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := server.Publish(ctx, fileMessage("/", "", "x")); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	assertNoFrame(t, consumer)
}

// TestServer_RunOnce tests that a second Run is refused
func TestServer_RunOnce(t *testing.T) {
	server, _ := startTestServer(t, createTestTree(t))
	// Make sure the first Run has started
	if _, err := server.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if err := server.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}

// TestServer_Shutdown tests that stopping Run closes connections
func TestServer_Shutdown(t *testing.T) {
	home := createTestTree(t)
	server := NewServer(ServerConfig{Home: home}, NewDirectoryRenderer(home, testBaseURL), newTestEncoder(nil), discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	if _, err := server.Snapshot(context.Background()); !errors.Is(err, errServerClosed) {
		t.Errorf("Snapshot after shutdown: expected errServerClosed, got %v", err)
	}
}

// TestServer_InitialStateWithoutHome tests that a missing home does not stop the server
func TestServer_InitialStateWithoutHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "gone")
	server := NewServer(ServerConfig{Home: home}, NewDirectoryRenderer(home, testBaseURL), newTestEncoder(nil), discardLogger())
	if cur := server.store.Current(); cur.Cwd != "/" || cur.CwdEncoded {
		t.Errorf("unexpected initial state: %+v", cur)
	}
	if _, err := os.Stat(home); !os.IsNotExist(err) {
		t.Error("renderer should not create the home directory")
	}
}
