package main

import (
	"context"
	"fmt"
)

type directoryRenderer interface {
	Render(cwd string) (string, error)
}

type fileEncoder interface {
	EncodeMessage(ctx context.Context, m *NavigateMessage) error
}

// Store owns the current ViewState and the back/forward history. It is
// not safe for concurrent use; the sync server confines it to its
// dispatch goroutine.
//
// The current directory is always mirrored as the most recent back entry
// once any navigation has been applied.
type Store struct {
	current  ViewState
	back     *history
	forward  *history
	renderer directoryRenderer
	encoder  fileEncoder
}

func NewStore(initial ViewState, renderer directoryRenderer, encoder fileEncoder) *Store {
	return &Store{
		current:  initial,
		back:     newHistory(historyCapacity),
		forward:  newHistory(historyCapacity),
		renderer: renderer,
		encoder:  encoder,
	}
}

// Current returns a copy of the current view.
func (s *Store) Current() ViewState {
	return s.current
}

func (s *Store) BackHistory() []ViewState {
	return s.back.snapshot()
}

func (s *Store) ForwardHistory() []ViewState {
	return s.forward.snapshot()
}

// Navigate applies a dir or file message. Ordinary navigation clears the
// forward history. On error nothing is changed.
func (s *Store) Navigate(ctx context.Context, m *NavigateMessage) error {
	return s.apply(ctx, *m, false)
}

func (s *Store) apply(ctx context.Context, m NavigateMessage, replay bool) error {
	// Browsing directories keeps the open file unless asked to close it.
	if m.Func == FuncDir && m.Filename == "" && s.current.Filename != "" && !m.ForceClose {
		m.Filename = s.current.Filename
		m.FileCwd = s.current.FileCwd
		m.FileBody = s.current.FileBody
		m.FileEncoding = s.current.FileEncoding
		m.FileEncoded = s.current.FileEncoded
	}

	if err := prepareNavigation(ctx, s.renderer, s.encoder, &m); err != nil {
		return err
	}

	s.current = m.ViewState
	if !replay {
		s.forward.clear()
	}
	if front, ok := s.back.front(); !ok || front.Cwd != s.current.Cwd {
		s.back.pushFront(s.current.directoryOnly())
	}
	return nil
}

// Back returns to the previous directory. With fileOpen set it only closes
// the file pane and stays in the current directory. Fewer than two back
// entries is a no-op. It reports whether the view changed.
func (s *Store) Back(ctx context.Context, fileOpen bool) (bool, error) {
	if s.back.len() < 2 {
		return false, nil
	}
	savedBack, savedForward := s.back.snapshot(), s.forward.snapshot()

	entry, _ := s.back.popFront()
	if !fileOpen {
		s.forward.pushFront(entry)
		entry, _ = s.back.popFront()
	}

	if err := s.apply(ctx, NavigateMessage{ViewState: entry}, true); err != nil {
		s.back.restore(savedBack)
		s.forward.restore(savedForward)
		return false, err
	}
	return true, nil
}

// Forward undoes the most recent Back. An empty forward history is a no-op.
func (s *Store) Forward(ctx context.Context) (bool, error) {
	entry, ok := s.forward.popFront()
	if !ok {
		return false, nil
	}
	if err := s.apply(ctx, NavigateMessage{ViewState: entry}, true); err != nil {
		s.forward.pushFront(entry)
		return false, err
	}
	return true, nil
}

// prepareNavigation validates m, normalizes its cwd, renders the listing
// unless it is already encoded and encodes the body of a file message.
func prepareNavigation(ctx context.Context, renderer directoryRenderer, encoder fileEncoder, m *NavigateMessage) error {
	if err := m.Validate(); err != nil {
		return err
	}
	m.Cwd = normalizeCwd(m.Cwd)

	if !m.CwdEncoded {
		body, err := renderer.Render(m.Cwd)
		if err != nil {
			return fmt.Errorf("render %s: %w", m.Cwd, err)
		}
		m.CwdBody = body
		m.CwdEncoded = true
	}

	if m.Func == FuncFile {
		return encoder.EncodeMessage(ctx, m)
	}
	return nil
}
