package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
)

// WebsocketSubscriber streams updates over a websocket connection. Writes are synchronous,
// so a nil error from Send means the frame reached the socket.
type WebsocketSubscriber struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

var _ Subscriber = (*WebsocketSubscriber)(nil)

func NewWebsocketSubscriber(conn *websocket.Conn) *WebsocketSubscriber {
	return &WebsocketSubscriber{
		conn: conn,
		done: make(chan struct{}),
	}
}

func (s *WebsocketSubscriber) Send(ctx context.Context, payload []byte) error {
	if s.closed.Load() {
		return ErrSubscriberClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(deadline(ctx))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.closed.Store(true)
		return err
	}
	return nil
}

// Close sends a close frame and releases the connection. Safe to call more than once.
func (s *WebsocketSubscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"))
		s.writeMu.Unlock()

		err = s.conn.Close()
		close(s.done)
	})
	return err
}

func (s *WebsocketSubscriber) Closed() bool {
	return s.closed.Load()
}

// Done is closed once the subscriber has been closed
func (s *WebsocketSubscriber) Done() <-chan struct{} {
	return s.done
}

// Run keeps the connection alive with pings and consumes client frames until the peer goes
// away or the subscriber is closed. onExit runs once the read side ends.
func (s *WebsocketSubscriber) Run(onExit func()) {
	go s.pingLoop()

	defer func() {
		s.closed.Store(true)
		if onExit != nil {
			onExit()
		}
		_ = s.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// clients have nothing to say on this stream; frames are read only to observe close
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *WebsocketSubscriber) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.closed.Load() {
				return
			}
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(writeWait)
}
