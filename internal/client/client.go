// Package client speaks the authority protocol. A Client carries one request
// at a time. A request that times out or is cancelled leaves the connection
// usable; its late response is discarded by id. Once the stream itself fails
// the client is broken and must be replaced by a new connection (and a fresh
// acquire).
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/lomnom/MarimoCool/internal/protocol"
)

// DefaultTimeout bounds a request when no other deadline applies.
const DefaultTimeout = 3 * time.Second

// ErrBroken is returned once the connection can no longer carry requests.
var ErrBroken = errors.New("client: connection broken")

// ErrTimeout is returned when no response arrives within the request
// timeout. The connection stays open.
var ErrTimeout = errors.New("client: request timed out")

// IsCommunication reports whether err is a transport failure rather than an
// error reported by the authority.
func IsCommunication(err error) bool {
	if err == nil {
		return false
	}
	var pe *protocol.Error
	return !errors.As(err, &pe)
}

// Client is a connection to the authority.
type Client struct {
	conn    net.Conn
	timeout time.Duration

	mu     sync.Mutex // held for the duration of a request
	nextID uint64

	resps chan protocol.Response
	done  chan struct{} // closed when the reader stops
	quit  chan struct{}
	once  sync.Once

	errMu  sync.Mutex
	broken error
}

// Dial connects to the authority at addr.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial authority: %w", err)
	}
	return New(conn, timeout), nil
}

// New wraps an established connection. Each request is bounded by timeout
// or the caller's context deadline, whichever is earlier.
func New(conn net.Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		conn:    conn,
		timeout: timeout,
		resps:   make(chan protocol.Response, 1),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// readLoop decodes frames until the stream fails. Framing is never
// interrupted by a request deadline, so a slow response cannot desynchronise
// the stream.
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		payload, err := protocol.ReadFrame(c.conn)
		if err != nil {
			c.fail(err)
			return
		}
		resp, err := protocol.DecodeResponse(payload)
		if err != nil {
			c.fail(err)
			c.conn.Close()
			return
		}
		select {
		case c.resps <- resp:
		case <-c.quit:
			return
		}
	}
}

func (c *Client) fail(err error) {
	c.errMu.Lock()
	if c.broken == nil {
		c.broken = err
	}
	c.errMu.Unlock()
}

func (c *Client) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.broken
}

// Do sends req and waits for its response. A response carrying an error
// code is returned together with that error as a *protocol.Error.
func (c *Client) Do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err(); err != nil {
		return protocol.Response{}, fmt.Errorf("%s: %w: %v", req.Op, ErrBroken, err)
	}

	c.nextID++
	req.ID = c.nextID

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// A partly written frame cannot be recovered, so any write failure
	// breaks the client.
	c.conn.SetWriteDeadline(deadline)
	if err := protocol.WriteMessage(c.conn, req); err != nil {
		c.fail(err)
		c.conn.Close()
		return protocol.Response{}, fmt.Errorf("%s: %w: %v", req.Op, ErrBroken, err)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		select {
		case resp := <-c.resps:
			if resp.ID != req.ID {
				log.Printf("client: discarding response %d while waiting for %d", resp.ID, req.ID)
				continue
			}
			return resp, resp.Err()
		case <-c.done:
			select {
			case resp := <-c.resps:
				if resp.ID == req.ID {
					return resp, resp.Err()
				}
			default:
			}
			return protocol.Response{}, fmt.Errorf("%s: %w: %v", req.Op, ErrBroken, c.err())
		case <-timer.C:
			return protocol.Response{}, fmt.Errorf("%s: %w", req.Op, ErrTimeout)
		case <-ctx.Done():
			return protocol.Response{}, fmt.Errorf("%s: %w", req.Op, ctx.Err())
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.fail(net.ErrClosed)
	c.once.Do(func() { close(c.quit) })
	return c.conn.Close()
}

// Acquire requests a session and returns its token.
func (c *Client) Acquire(ctx context.Context, clientID string, exclusive bool) (string, error) {
	resp, err := c.Do(ctx, protocol.Request{Op: protocol.OpAcquire, Client: clientID, Exclusive: exclusive})
	if err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// Release ends the session.
func (c *Client) Release(ctx context.Context, token string) error {
	_, err := c.Do(ctx, protocol.Request{Op: protocol.OpRelease, SessionID: token})
	return err
}

// Heartbeat keeps the session alive.
func (c *Client) Heartbeat(ctx context.Context, token string) error {
	_, err := c.Do(ctx, protocol.Request{Op: protocol.OpHeartbeat, SessionID: token})
	return err
}

// SetPeltier drives the peltier.
func (c *Client) SetPeltier(ctx context.Context, token string, on bool) error {
	_, err := c.Do(ctx, protocol.Request{Op: protocol.OpSetPeltier, SessionID: token, On: &on})
	return err
}

// SetFan drives the fan.
func (c *Client) SetFan(ctx context.Context, token string, on bool) error {
	_, err := c.Do(ctx, protocol.Request{Op: protocol.OpSetFan, SessionID: token, On: &on})
	return err
}

// ReadTemperature reads the tank temperature.
func (c *Client) ReadTemperature(ctx context.Context) (protocol.Sample, error) {
	resp, err := c.Do(ctx, protocol.Request{Op: protocol.OpReadTemp})
	if err != nil {
		return protocol.Sample{}, err
	}
	return protocol.SampleFrom(resp)
}

// Status returns the authority's health view.
func (c *Client) Status(ctx context.Context) (protocol.Status, error) {
	resp, err := c.Do(ctx, protocol.Request{Op: protocol.OpStatus})
	if err != nil {
		return protocol.Status{}, err
	}
	if resp.Status == nil {
		return protocol.Status{}, protocol.Errorf(protocol.CodeMalformed, "status response without status")
	}
	return *resp.Status, nil
}
