// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mangoh/datarouter/internal/router"
	"github.com/mangoh/datarouter/internal/session"
	"github.com/mangoh/datarouter/internal/store"
)

const (
	// Path is the websocket endpoint.
	Path = "/datarouter"

	outgoingBuffer = 64
	writeTimeout   = 5 * time.Second
)

// Caller runs fn on the router's goroutine and waits for its result.
type Caller interface {
	Call(ctx context.Context, fn func() error) error
}

// Server accepts client connections and forwards their requests to the
// router.
type Server struct {
	router   *router.Router
	loop     Caller
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a server. Router methods are only ever invoked through
// loop.
func NewServer(r *router.Router, loop Caller, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		router: r,
		loop:   loop,
		log:    log,
		upgrader: websocket.Upgrader{
			// Clients are local processes, not browsers.
			CheckOrigin:      func(*http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the HTTP handler serving Path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(Path, s)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()
	s.log.Info("IPC server listening", "addr", l.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Failed to upgrade IPC connection", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := &conn{
		srv:     s,
		ws:      ws,
		id:      session.New(),
		remote:  r.RemoteAddr,
		out:     make(chan any, outgoingBuffer),
		done:    make(chan struct{}),
		handles: make(map[uint64]*store.Handler),
	}
	c.log = s.log.With("session", c.id, "remote", c.remote)
	c.serve(r.Context())
}

// conn is one client connection. handles and nextHandle are only touched on
// the router goroutine.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	id     session.ID
	remote string
	app    string
	log    *slog.Logger

	out  chan any
	done chan struct{}

	handles    map[uint64]*store.Handler
	nextHandle uint64
}

func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.log.Debug("Client connected")
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.ws.Close()
		case <-writerDone:
		}
	}()

	for {
		var req Request
		if err := c.ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("IPC connection error", "err", err)
			}
			break
		}
		resp := c.handle(ctx, req)
		select {
		case c.out <- resp:
		case <-writerDone:
		}
	}

	// A dropped connection ends its session like an explicit session.end.
	endCtx, endCancel := context.WithTimeout(context.Background(), writeTimeout)
	if err := c.srv.loop.Call(endCtx, func() error {
		c.handles = nil
		return c.srv.router.SessionEnd(c.id)
	}); err != nil {
		c.log.Error("Failed to end session of closed connection", "err", err)
	}
	endCancel()

	close(c.done)
	<-writerDone
	_ = c.ws.Close()
	c.log.Debug("Client disconnected", "app", c.app)
}

func (c *conn) writeLoop() {
	for {
		select {
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.Warn("Failed to write to IPC connection", "err", err)
				// Unblock the reader.
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// notify queues an update event without blocking the router goroutine.
func (c *conn) notify(t store.Type, key string, _ any) {
	select {
	case c.out <- Event{Event: EventUpdate, Key: key, Type: string(t.Char())}:
	case <-c.done:
	default:
		c.log.Warn("Dropped update event for slow client", "key", key)
	}
}

func (c *conn) handle(ctx context.Context, req Request) Response {
	resp := Response{ID: req.ID}
	var err error
	switch req.Op {
	case OpSessionStart:
		err = c.sessionStart(ctx, req)
	case OpSessionEnd:
		err = c.srv.loop.Call(ctx, func() error {
			c.handles = make(map[uint64]*store.Handler)
			return c.srv.router.SessionEnd(c.id)
		})
	case OpWrite:
		err = c.write(ctx, req)
	case OpRead:
		err = c.read(ctx, req, &resp)
	case OpSubscribe:
		err = c.subscribe(ctx, req, &resp)
	case OpUnsubscribe:
		err = c.srv.loop.Call(ctx, func() error {
			h := c.handles[req.Handle]
			delete(c.handles, req.Handle)
			return c.srv.router.RemoveUpdateHandler(c.id, h)
		})
	default:
		err = fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, req.Op)
	}

	resp.Status = StatusOf(err)
	if err != nil {
		resp.Error = err.Error()
		c.log.Debug("Request failed", "op", req.Op, "key", req.Key, "status", resp.Status, "err", err)
	}
	return resp
}

func (c *conn) sessionStart(ctx context.Context, req Request) error {
	policy, err := store.ParsePolicy(req.Storage)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	c.app = req.App
	c.log.Info("Session start", "app", req.App, "push", req.Push, "url", req.URL, "storage", policy)
	push := router.PushConfig{Enabled: req.Push, URL: req.URL, Password: req.Password}
	return c.srv.loop.Call(ctx, func() error {
		return c.srv.router.SessionStart(c.id, push, policy)
	})
}

func (c *conn) write(ctx context.Context, req Request) error {
	t, err := store.ParseTypeChar(req.Type)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	v, err := DecodeValue(t, req.Value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	r := c.srv.router
	return c.srv.loop.Call(ctx, func() error {
		switch t {
		case store.TypeBoolean:
			b, _ := v.AsBool()
			return r.WriteBool(c.id, req.Key, b, req.Timestamp)
		case store.TypeInteger:
			i, _ := v.AsInt()
			return r.WriteInt(c.id, req.Key, i, req.Timestamp)
		case store.TypeFloat:
			f, _ := v.AsFloat()
			return r.WriteFloat(c.id, req.Key, f, req.Timestamp)
		default:
			s, _ := v.AsString()
			return r.WriteString(c.id, req.Key, s, req.Timestamp)
		}
	})
}

func (c *conn) read(ctx context.Context, req Request, resp *Response) error {
	t, err := store.ParseTypeChar(req.Type)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	r := c.srv.router
	var (
		v  store.Value
		ts uint32
	)
	err = c.srv.loop.Call(ctx, func() error {
		switch t {
		case store.TypeBoolean:
			b, stamp, err := r.ReadBool(c.id, req.Key)
			v, ts = store.Bool(b), stamp
			return err
		case store.TypeInteger:
			i, stamp, err := r.ReadInt(c.id, req.Key)
			v, ts = store.Int(i), stamp
			return err
		case store.TypeFloat:
			f, stamp, err := r.ReadFloat(c.id, req.Key)
			v, ts = store.Float(f), stamp
			return err
		default:
			s, stamp, err := r.ReadString(c.id, req.Key)
			v, ts = store.String(s), stamp
			return err
		}
	})
	if err != nil {
		return err
	}
	resp.Type = string(t.Char())
	resp.Value = EncodeValue(v)
	resp.Timestamp = ts
	return nil
}

func (c *conn) subscribe(ctx context.Context, req Request, resp *Response) error {
	return c.srv.loop.Call(ctx, func() error {
		h, err := c.srv.router.AddUpdateHandler(c.id, req.Key, c.notify, nil)
		if err != nil {
			return err
		}
		for n, existing := range c.handles {
			if existing == h {
				resp.Handle = n
				return nil
			}
		}
		c.nextHandle++
		c.handles[c.nextHandle] = h
		resp.Handle = c.nextHandle
		return nil
	})
}
