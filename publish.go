package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var ErrConnectionRefused = errors.New("connection refused")

const (
	serverWaitAttempts   = 10
	consumerWaitAttempts = 6
	waitInterval         = 300 * time.Millisecond
	producerTimeout      = 5 * time.Second
)

// Producer sends one-shot messages to a running sync server from another
// process. Every call opens its own connection.
type Producer struct {
	url    string
	dialer *websocket.Dialer
}

func NewProducer(host string, port int) *Producer {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: "/"}
	return &Producer{
		url: u.String(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: producerTimeout,
		},
	}
}

func (p *Producer) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := p.dialer.DialContext(ctx, p.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionRefused, p.url, err)
	}
	return conn, nil
}

// Publish sends m as a producer and hangs up. Delivery is at most once and
// never retried; the server reports problems only in its own log.
func (p *Producer) Publish(ctx context.Context, m *NavigateMessage) error {
	frame, err := encodeFrame(RoleProducer, m)
	if err != nil {
		return err
	}
	conn, err := p.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(producerTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

// NumConsumers asks the server how many consumers are connected. The
// asking connection registers as a producer and is not counted.
func (p *Producer) NumConsumers(ctx context.Context) (int, error) {
	frame, err := encodeFrame(RoleProducer, &NumClientsMessage{})
	if err != nil {
		return 0, err
	}
	conn, err := p.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(producerTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return 0, fmt.Errorf("numJSClients: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(producerTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("numJSClients: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("numJSClients: unexpected reply %q", data)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return n, nil
}

// Reachable reports whether a websocket connection can be opened.
func (p *Producer) Reachable(ctx context.Context) bool {
	conn, err := p.dial(ctx)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// waitFor polls cond up to attempts times, interval apart. Running out of
// attempts yields ErrConnectionRefused.
func waitFor(ctx context.Context, attempts int, interval time.Duration, what string, cond func(context.Context) bool) error {
	for i := 0; i < attempts; i++ {
		if cond(ctx) {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("%w: %s", ErrConnectionRefused, what)
}
