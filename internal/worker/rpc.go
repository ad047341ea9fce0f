package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Nitorac/esbonio/internal/contracts"
)

var errConnClosed = errors.New("worker: connection closed")

// conn is a line-delimited JSON request/response channel to one worker.
// Requests may be issued concurrently; responses are matched by ID.
type conn struct {
	w io.WriteCloser

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan contracts.WorkerResponse
	err     error
	done    chan struct{}
}

func newConn(r io.Reader, w io.WriteCloser) *conn {
	c := &conn{
		w:       w,
		pending: make(map[uint64]chan contracts.WorkerResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

func (c *conn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	var err error
	for scanner.Scan() {
		var resp contracts.WorkerResponse
		if jsonErr := json.Unmarshal(scanner.Bytes(), &resp); jsonErr != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
	if err = scanner.Err(); err == nil {
		err = errConnClosed
	}
	c.fail(err)
}

func (c *conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	close(c.done)
}

// call sends method with params and decodes the result into out.
func (c *conn) call(ctx context.Context, method string, params, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}

	ch := make(chan contracts.WorkerResponse, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	line, err := json.Marshal(contracts.WorkerRequest{ID: id, Method: method, Params: raw})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	_, err = c.w.Write(append(line, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return c.closeErr()
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}
}

func (c *conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *conn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return errConnClosed
	}
	return c.err
}

// close stops sending; the read loop ends when the peer closes its side.
func (c *conn) close() error {
	return c.w.Close()
}
