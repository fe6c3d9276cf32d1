// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mangoh/datarouter/internal/store"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("ipc client closed")

// SessionOptions are the session.start parameters.
type SessionOptions struct {
	App      string
	Push     bool
	URL      string
	Password string
	Storage  store.Policy
}

// Client is a connection to the router. It is safe for concurrent use.
type Client struct {
	ws     *websocket.Conn
	log    *slog.Logger
	events chan Event
	done   chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Response
	err     error
}

// Dial connects to addr, given as host:port or as a ws:// URL.
func Dial(ctx context.Context, addr string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	url := addr
	if !strings.Contains(url, "://") {
		url = "ws://" + addr + Path
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("connect to data router at %s: %w", url, err)
	}
	c := &Client{
		ws:      ws,
		log:     log,
		events:  make(chan Event, outgoingBuffer),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan Response),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	var err error
	for {
		var f frame
		if err = c.ws.ReadJSON(&f); err != nil {
			break
		}
		if f.Event != "" {
			select {
			case c.events <- Event{Event: f.Event, Key: f.Key, Type: f.Type}:
			default:
				c.log.Warn("Dropped update event", "key", f.Key)
			}
			continue
		}
		c.mu.Lock()
		ch := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- f.Response
		}
	}

	c.mu.Lock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	c.pending = nil
	c.mu.Unlock()
	close(c.done)
}

// Events delivers update notifications for subscribed keys. It is closed
// when the connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Do sends req and waits for its response. Statuses other than ok are
// returned as errors.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.pending == nil {
		err := c.err
		c.mu.Unlock()
		return Response{}, err
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return Response{}, fmt.Errorf("send %s: %w", req.Op, err)
	}

	select {
	case resp := <-ch:
		return resp, ErrorOf(resp)
	case <-ctx.Done():
		c.forget(req.ID)
		return Response{}, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return Response{}, err
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// StartSession starts the connection's router session.
func (c *Client) StartSession(ctx context.Context, opts SessionOptions) error {
	_, err := c.Do(ctx, Request{
		Op:       OpSessionStart,
		App:      opts.App,
		Push:     opts.Push,
		URL:      opts.URL,
		Password: opts.Password,
		Storage:  opts.Storage.String(),
	})
	return err
}

// EndSession ends the connection's router session.
func (c *Client) EndSession(ctx context.Context) error {
	_, err := c.Do(ctx, Request{Op: OpSessionEnd})
	return err
}

// Write stores v under key.
func (c *Client) Write(ctx context.Context, key string, v store.Value, timestamp uint32) error {
	_, err := c.Do(ctx, Request{
		Op:        OpWrite,
		Key:       key,
		Type:      string(v.Type().Char()),
		Value:     EncodeValue(v),
		Timestamp: timestamp,
	})
	return err
}

// Read returns the value of key as type t.
func (c *Client) Read(ctx context.Context, key string, t store.Type) (store.Value, uint32, error) {
	resp, err := c.Do(ctx, Request{Op: OpRead, Key: key, Type: string(t.Char())})
	if err != nil {
		return store.Value{}, 0, err
	}
	v, err := DecodeValue(t, resp.Value)
	if err != nil {
		return store.Value{}, 0, err
	}
	return v, resp.Timestamp, nil
}

// Subscribe asks for update events on key and returns the handle to
// unsubscribe with.
func (c *Client) Subscribe(ctx context.Context, key string) (uint64, error) {
	resp, err := c.Do(ctx, Request{Op: OpSubscribe, Key: key})
	return resp.Handle, err
}

// Unsubscribe cancels a subscription.
func (c *Client) Unsubscribe(ctx context.Context, handle uint64) error {
	_, err := c.Do(ctx, Request{Op: OpUnsubscribe, Handle: handle})
	return err
}

// Close closes the connection. The router ends the session.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.err == nil {
		c.err = ErrClosed
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}
