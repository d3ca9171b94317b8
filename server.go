package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 8 << 20
	sendQueueSize  = 64
	eventQueueSize = 64
)

var (
	ErrDropped      = errors.New("message dropped")
	errServerClosed = errors.New("sync server closed")
)

// Editor opens a file for editing. Calls must not block on the editor.
type Editor interface {
	Open(path string) error
}

// client is one websocket connection. The reader goroutine is the only
// sender of events for it; the dispatch goroutine is the only writer to
// send.
type client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	role      Role
	logger    *slog.Logger
}

func newClient(conn *websocket.Conn, logger *slog.Logger) *client {
	id := uuid.NewString()
	return &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		logger: logger.With("conn", id),
	}
}

// close signals the writer to flush, send a close frame and hang up.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// enqueue queues a frame without blocking. It reports false when the
// queue is full or the client is closing.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// writePump sends queued frames and keepalive pings until the client is
// closed or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// Deliver what is already queued, e.g. a final error frame.
			for {
				select {
				case frame := <-c.send:
					if err := c.write(websocket.TextMessage, frame); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

type eventKind int

const (
	eventRegister eventKind = iota
	eventUnregister
	eventDispatch
	eventSnapshot
)

// event is a request to the dispatch goroutine. reply, when set, receives
// exactly one value.
type event struct {
	kind   eventKind
	client *client
	role   Role
	msg    Message
	reply  chan error
	state  chan ViewState
}

// ServerConfig holds the sync server settings.
type ServerConfig struct {
	Home        string
	Interactive bool
}

// Server is the synchronization server. All Store and Registry access
// happens on the goroutine running Run; connections, the HTTP layer and
// the file watcher reach it through the event queue.
type Server struct {
	cfg      ServerConfig
	store    *Store
	registry *Registry
	renderer directoryRenderer
	encoder  fileEncoder
	editor   Editor
	watcher  *fileWatcher
	logger   *slog.Logger
	upgrader websocket.Upgrader
	editing  string // last file opened in interactive mode

	events  chan event
	done    chan struct{}
	runOnce sync.Once
}

// NewServer creates a server whose initial view is the home directory.
func NewServer(cfg ServerConfig, renderer directoryRenderer, encoder fileEncoder, logger *slog.Logger) *Server {
	initial := ViewState{Client: RoleProducer, Func: FuncDir, Cwd: "/"}
	if body, err := renderer.Render("/"); err == nil {
		initial.CwdBody = body
		initial.CwdEncoded = true
	} else {
		logger.Warn("cannot render home directory", "error", err)
	}

	return &Server{
		cfg:      cfg,
		store:    NewStore(initial, renderer, encoder),
		registry: NewRegistry(),
		renderer: renderer,
		encoder:  encoder,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from the HTTP port, a different origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		events: make(chan event, eventQueueSize),
		done:   make(chan struct{}),
	}
}

// SetEditor sets the editor used for editFile and interactive mode.
// Call before Run.
func (s *Server) SetEditor(e Editor) {
	s.editor = e
}

// SetWatcher enables live reload of the open file. Call before Run.
func (s *Server) SetWatcher(w *fileWatcher) {
	s.watcher = w
}

// Run processes events until ctx is cancelled, then disconnects every
// client. It must be called once.
func (s *Server) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("sync server already running")
	}
	defer close(s.done)
	defer s.disconnectAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Server) disconnectAll() {
	for c := range s.registry.consumers {
		c.close()
	}
	for c := range s.registry.producers {
		c.close()
	}
	if s.watcher != nil {
		s.watcher.close()
	}
}

func (s *Server) handleEvent(ctx context.Context, ev event) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatch panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", r)
		}
		if ev.reply != nil {
			ev.reply <- err
		} else if err != nil {
			s.logger.Warn("publish failed", "error", err)
		}
	}()

	switch ev.kind {
	case eventRegister:
		err = s.register(ev.client, ev.role)
	case eventUnregister:
		if s.registry.Unregister(ev.client) {
			ev.client.logger.Debug("client unregistered", "role", ev.client.role, "consumers", s.registry.NumConsumers())
		}
	case eventDispatch:
		err = s.dispatch(ctx, ev.client, ev.msg)
	case eventSnapshot:
		ev.state <- s.store.Current()
	}
}

// register adds c to the registry. Consumers get the current view at once.
func (s *Server) register(c *client, role Role) error {
	if err := s.registry.Register(c, role); err != nil {
		return err
	}
	c.logger.Info("client registered", "role", role, "consumers", s.registry.NumConsumers())

	if role == RoleConsumer {
		frame, err := json.Marshal(s.store.Current())
		if err != nil {
			return err
		}
		if !c.enqueue(frame) {
			s.drop(c)
		}
	}
	return nil
}

// dispatch applies one message. c is nil for in-process publishes.
func (s *Server) dispatch(ctx context.Context, c *client, msg Message) error {
	cur := s.store.Current()
	s.logger.Debug("dispatch", "func", msg.Kind(), "cwd", cur.Cwd)

	switch m := msg.(type) {
	case *NavigateMessage:
		if err := s.store.Navigate(ctx, m); err != nil {
			return err
		}
		s.afterNavigate()
		s.broadcast()

	case *BackMessage:
		changed, err := s.store.Back(ctx, m.FileOpen)
		if err != nil {
			return err
		}
		if changed {
			s.broadcast()
		}

	case *ForwardMessage:
		changed, err := s.store.Forward(ctx)
		if err != nil {
			return err
		}
		if changed {
			s.broadcast()
		}

	case *EditFileMessage:
		if cur.Filename != "" && !cur.isVirtual() {
			s.openInEditor(s.filePath(cur))
		}

	case *NumClientsMessage:
		if c != nil {
			c.enqueue([]byte(strconv.Itoa(s.registry.NumConsumers())))
		}

	default:
		return fmt.Errorf("%w: unsupported func %q", ErrValidation, msg.Kind())
	}
	return nil
}

// afterNavigate watches a newly opened file and, in interactive mode,
// opens it in the editor.
func (s *Server) afterNavigate() {
	cur := s.store.Current()
	if cur.Func != FuncFile || cur.Filename == "" || cur.isVirtual() {
		return
	}
	path := s.filePath(cur)
	if s.watcher != nil {
		if err := s.watcher.watch(path); err != nil {
			s.logger.Warn("cannot watch file", "path", path, "error", err)
		}
	}
	if s.cfg.Interactive && path != s.editing {
		s.editing = path
		s.openInEditor(path)
	}
}

func (s *Server) openInEditor(path string) {
	if s.editor == nil {
		return
	}
	go func() {
		if err := s.editor.Open(path); err != nil {
			s.logger.Warn("editor failed", "path", path, "error", err)
		}
	}()
}

// filePath is the absolute path of the open file in v.
func (s *Server) filePath(v ViewState) string {
	cwd := v.FileCwd
	if cwd == "" {
		cwd = v.Cwd
	}
	return filepath.Join(s.cfg.Home, filepath.FromSlash(normalizeCwd(cwd)), v.Filename)
}

// broadcast queues the current view on every consumer. A consumer whose
// queue is full is disconnected rather than allowed to hold up the rest.
func (s *Server) broadcast() {
	frame, err := json.Marshal(s.store.Current())
	if err != nil {
		s.logger.Error("cannot encode view state", "error", err)
		return
	}
	for _, c := range s.registry.Consumers() {
		if !c.enqueue(frame) {
			s.drop(c)
		}
	}
}

func (s *Server) drop(c *client) {
	c.logger.Warn("consumer too slow, disconnecting")
	s.registry.Unregister(c)
	c.close()
}

// prepare does the expensive part of a navigation (directory listing,
// file encoding) outside the dispatch goroutine.
func (s *Server) prepare(ctx context.Context, msg Message) error {
	nav, ok := msg.(*NavigateMessage)
	if !ok {
		return nil
	}
	return prepareNavigation(ctx, s.renderer, s.encoder, nav)
}

func (s *Server) submit(ctx context.Context, ev event) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return errServerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call submits ev and waits for its reply.
func (s *Server) call(ctx context.Context, ev event) error {
	ev.reply = make(chan error, 1)
	if err := s.submit(ctx, ev); err != nil {
		return err
	}
	select {
	case err := <-ev.reply:
		return err
	case <-s.done:
		return errServerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish delivers a dir or file message from inside the process. Delivery
// is at most once: when the dispatch queue is full the message is dropped
// and ErrDropped returned. Errors applying the message are only logged.
func (s *Server) Publish(ctx context.Context, m *NavigateMessage) error {
	msg := *m
	msg.Client = RoleProducer
	if err := s.prepare(ctx, &msg); err != nil {
		return err
	}
	select {
	case s.events <- event{kind: eventDispatch, msg: &msg}:
		return nil
	case <-s.done:
		return errServerClosed
	default:
		s.logger.Warn("dispatch queue full, dropping publish", "func", msg.Func, "cwd", msg.Cwd)
		return ErrDropped
	}
}

// Snapshot returns a copy of the current view.
func (s *Server) Snapshot(ctx context.Context) (ViewState, error) {
	ev := event{kind: eventSnapshot, state: make(chan ViewState, 1)}
	if err := s.submit(ctx, ev); err != nil {
		return ViewState{}, err
	}
	select {
	case v := <-ev.state:
		return v, nil
	case <-s.done:
		return ViewState{}, errServerClosed
	case <-ctx.Done():
		return ViewState{}, ctx.Err()
	}
}

// ServeHTTP upgrades any request to a websocket connection and serves it
// until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err)
		return
	}
	c := newClient(conn, s.logger)
	go c.writePump()
	s.readPump(r.Context(), c)
}

// readPump reads frames until the connection fails. The first frame must
// declare the role; every frame is validated and prepared here, then
// applied by the dispatch goroutine.
func (s *Server) readPump(ctx context.Context, c *client) {
	logger := c.logger
	registered := false
	defer func() {
		if registered {
			_ = s.submit(context.Background(), event{kind: eventUnregister, client: c})
		}
		c.close()
		logger.Debug("client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		role, msg, decodeErr := DecodeMessage(data)
		if !registered {
			if err := s.call(ctx, event{kind: eventRegister, client: c, role: role}); err != nil {
				logger.Warn("registration refused", "error", err)
				c.enqueue(newErrorFrame(err))
				return
			}
			registered = true
			logger = logger.With("role", c.role)
		}

		if decodeErr != nil {
			logger.Warn("invalid message", "error", decodeErr)
			c.enqueue(newErrorFrame(decodeErr))
			continue
		}
		if msg == nil {
			continue
		}

		if err := s.prepare(ctx, msg); err != nil {
			logger.Warn("cannot prepare message", "func", msg.Kind(), "error", err)
			c.enqueue(newErrorFrame(err))
			continue
		}
		if err := s.call(ctx, event{kind: eventDispatch, client: c, msg: msg}); err != nil {
			if errors.Is(err, errServerClosed) || ctx.Err() != nil {
				return
			}
			logger.Warn("message rejected", "func", msg.Kind(), "error", err)
			c.enqueue(newErrorFrame(err))
		}
	}
}
