package netconf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrClientClosed is returned by Request after Close.
var ErrClientClosed = errors.New("netconf: client closed")

// ResponseFunc receives the response to one request.
type ResponseFunc func(*Response)

type pendingRequest struct {
	req  *Request
	fn   ResponseFunc
	sent time.Time
}

// Client is the node side of the authority protocol.
type Client struct {
	fw     *FrameWriter
	r      io.Reader
	closer io.Closer
	cmd    *exec.Cmd

	mu      sync.Mutex
	pending map[string]pendingRequest
	closed  bool
}

// NewClient speaks the protocol over r and w. closer, if non-nil, is
// closed by Close.
func NewClient(r io.Reader, w io.Writer, closer io.Closer) *Client {
	return &Client{
		fw:      NewFrameWriter(w),
		r:       r,
		closer:  closer,
		pending: make(map[string]pendingRequest),
	}
}

// StartProcess launches the authority binary and connects to its stdio.
func StartProcess(ctx context.Context, path string, args ...string) (*Client, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("netconf: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("netconf: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("netconf: start %s: %w", path, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "StartProcess",
		"path":     path,
		"pid":      cmd.Process.Pid,
	}).Info("Started configuration authority")

	c := NewClient(stdout, stdin, stdin)
	c.cmd = cmd
	return c, nil
}

// Request sends req and arranges for fn to receive the response. An empty
// RequestID is filled with a fresh uuid. The id is returned.
func (c *Client) Request(req *Request, fn ResponseFunc) (string, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClientClosed
	}
	c.pending[req.RequestID] = pendingRequest{req: req, fn: fn, sent: time.Now()}
	c.mu.Unlock()

	if err := c.fw.WriteFrame(req.Dictionary()); err != nil {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return "", err
	}
	return req.RequestID, nil
}

// Pending returns the number of unanswered requests.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Expire forgets requests older than maxAge and returns how many went.
func (c *Client) Expire(now time.Time, maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, p := range c.pending {
		if now.Sub(p.sent) > maxAge {
			delete(c.pending, id)
			n++
		}
	}
	return n
}

// Run reads responses until the stream ends and dispatches them to their
// callbacks. Unmatched responses are dropped.
func (c *Client) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		d, err := ReadFrame(c.r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, ErrMalformedDictionary) {
			logrus.WithFields(logrus.Fields{
				"function": "Client.Run",
				"error":    err.Error(),
			}).Warn("Dropping malformed response frame")
			continue
		}
		if err != nil {
			return err
		}
		resp, err := ParseResponse(d)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Client.Run",
				"error":    err.Error(),
			}).Warn("Dropping malformed response")
			continue
		}
		c.mu.Lock()
		p, ok := c.pending[resp.RequestID]
		delete(c.pending, resp.RequestID)
		c.mu.Unlock()
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function":   "Client.Run",
				"request_id": resp.RequestID,
			}).Debug("Dropping unmatched response")
			continue
		}
		if p.fn != nil {
			p.fn(resp)
		}
	}
	return ctx.Err()
}

// Close closes the write side and waits for a spawned process.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var err error
	if c.closer != nil {
		err = c.closer.Close()
	}
	if c.cmd != nil {
		if werr := c.cmd.Wait(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}
