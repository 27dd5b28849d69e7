// Package client talks to the device broker over its Unix socket.
//
// A Client holds one connection for its whole life. The broker ties
// device claims to that connection: closing the client releases every
// device it claimed.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andyleap/fprint/internal/api"
	"github.com/andyleap/fprint/internal/codec"
	"github.com/andyleap/fprint/internal/events"
	"github.com/andyleap/fprint/internal/models"
)

// dialTimeout bounds connecting to the broker socket.
const dialTimeout = 5 * time.Second

// ErrClosed is returned by calls on a closed or disconnected client.
var ErrClosed = errors.New("client connection closed")

// CallError is a failure reported by the broker. It unwraps to the
// matching models error, so errors.Is(err, models.ErrAlreadyInUse)
// works across the socket.
type CallError struct {
	Action  string
	Name    string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Action, e.Message)
}

func (e *CallError) Unwrap() error {
	return models.ErrorFromName(e.Name)
}

type Client struct {
	conn    net.Conn
	writeMu sync.Mutex
	encoder *codec.Encoder
	events  *events.Queue[models.Event]

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan api.Frame
	closed  chan struct{}
	err     error
}

// Dial connects to the broker at socketPath.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", socketPath, err)
	}
	return New(conn), nil
}

// New wraps an established connection.
func New(conn net.Conn) *Client {
	c := &Client{
		conn:    conn,
		encoder: codec.NewEncoder(conn),
		events:  events.NewQueue[models.Event](),
		nextID:  1,
		pending: make(map[uint64]chan api.Frame),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	decoder := codec.NewDecoder(c.conn)
	var err error
	for {
		var frame api.Frame
		if err = decoder.Decode(&frame); err != nil {
			break
		}

		switch frame.Type {
		case api.FrameEvent:
			if frame.Event != nil {
				c.events.Push(*frame.Event)
			}
		case api.FrameReply:
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if ok {
				ch <- frame
			}
		}
	}

	c.mu.Lock()
	c.err = err
	c.pending = nil
	c.mu.Unlock()
	c.events.Close()
	close(c.closed)
}

// Call sends req and waits for its reply. On success a reply payload
// is decoded into result when result is non-nil. Failures reported by
// the broker are returned as *CallError.
func (c *Client) Call(ctx context.Context, req api.Request, result any) error {
	ch := make(chan api.Frame, 1)

	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return ErrClosed
	}
	req.ID = c.nextID
	c.nextID++
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.encoder.Encode(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return fmt.Errorf("failed to send %s: %w", req.Action, err)
	}

	var frame api.Frame
	select {
	case frame = <-ch:
	case <-ctx.Done():
		c.forget(req.ID)
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	}

	if !frame.OK {
		return &CallError{Action: req.Action, Name: frame.ErrorName, Message: frame.Error}
	}
	if result != nil && len(frame.Data) > 0 {
		if err := codec.Unmarshal(frame.Data, result); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", req.Action, err)
		}
	}
	return nil
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// NextEvent returns the next broadcast event, in the order the broker
// sent them.
func (c *Client) NextEvent(ctx context.Context) (models.Event, error) {
	ev, err := c.events.Next(ctx)
	if errors.Is(err, events.ErrClosed) {
		return ev, ErrClosed
	}
	return ev, err
}

// Close drops the connection, which releases every device the client
// claimed.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.closed
	return err
}

func (c *Client) ListDevices(ctx context.Context) ([]uint32, error) {
	var ids []uint32
	err := c.Call(ctx, api.Request{Action: api.ActionListDevices}, &ids)
	return ids, err
}

func (c *Client) DefaultDevice(ctx context.Context) (uint32, error) {
	var id uint32
	err := c.Call(ctx, api.Request{Action: api.ActionDefaultDevice}, &id)
	return id, err
}

func (c *Client) DeviceInfo(ctx context.Context, device uint32) (models.DeviceInfo, error) {
	var info models.DeviceInfo
	err := c.Call(ctx, api.Request{Action: api.ActionDeviceInfo, Device: device}, &info)
	return info, err
}

// Claim claims device for user; an empty user means the caller.
func (c *Client) Claim(ctx context.Context, device uint32, user string) error {
	return c.Call(ctx, api.Request{Action: api.ActionClaim, Device: device, User: user}, nil)
}

func (c *Client) Release(ctx context.Context, device uint32) error {
	return c.Call(ctx, api.Request{Action: api.ActionRelease, Device: device}, nil)
}

func (c *Client) EnrollStart(ctx context.Context, device uint32, finger string) error {
	return c.Call(ctx, api.Request{Action: api.ActionEnrollStart, Device: device, Finger: finger}, nil)
}

func (c *Client) EnrollStop(ctx context.Context, device uint32) error {
	return c.Call(ctx, api.Request{Action: api.ActionEnrollStop, Device: device}, nil)
}

func (c *Client) VerifyStart(ctx context.Context, device uint32, finger string) error {
	return c.Call(ctx, api.Request{Action: api.ActionVerifyStart, Device: device, Finger: finger}, nil)
}

func (c *Client) VerifyStop(ctx context.Context, device uint32) error {
	return c.Call(ctx, api.Request{Action: api.ActionVerifyStop, Device: device}, nil)
}

func (c *Client) ListEnrolledFingers(ctx context.Context, device uint32, user string) ([]string, error) {
	var fingers []string
	err := c.Call(ctx, api.Request{Action: api.ActionListEnrolledFingers, Device: device, User: user}, &fingers)
	return fingers, err
}

func (c *Client) DeleteEnrolledFingers(ctx context.Context, device uint32, user string) error {
	return c.Call(ctx, api.Request{Action: api.ActionDeleteEnrolledFingers, Device: device, User: user}, nil)
}

func (c *Client) DeleteEnrolledFingers2(ctx context.Context, device uint32) error {
	return c.Call(ctx, api.Request{Action: api.ActionDeleteEnrolledFingers2, Device: device}, nil)
}

func (c *Client) DeleteEnrolledFinger(ctx context.Context, device uint32, finger string) error {
	return c.Call(ctx, api.Request{Action: api.ActionDeleteEnrolledFinger, Device: device, Finger: finger}, nil)
}

// Inject feeds a driver event to a virtual device on a broker running
// in testing mode.
func (c *Client) Inject(ctx context.Context, device uint32, event, code string) error {
	return c.Call(ctx, api.Request{Action: api.ActionInject, Device: device, Event: event, Code: code}, nil)
}
