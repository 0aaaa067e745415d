// Package control implements the multiplexed control connection: concurrent
// request/response correlation by tx_id over a single socket, plus dispatch of
// inbound requests to registered handlers.
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/matst80/kproxy/internal/obs"
	"github.com/matst80/kproxy/internal/proto"
)

var (
	ErrConnectionClosed = errors.New("control: connection closed")
	ErrRequestTimedOut  = errors.New("control: request timed out")
	ErrTxIDExhausted    = errors.New("control: tx_id space exhausted")
	ErrDuplicateTxID    = errors.New("control: duplicate tx_id")
	ErrHandlerExists    = errors.New("control: handler already registered")
)

// Handler serves one inbound request. The returned message is sent back as the
// Response; a returned error is sent back as an Error Response.
type Handler func(ctx context.Context, req proto.Message) (proto.Message, error)

// Config tunes a Conn. Zero values select defaults.
type Config struct {
	Name       string // used in logs, defaults to the remote address
	MaxPayload uint32 // largest accepted inbound payload
	WriteQueue int    // frames buffered ahead of the write loop
}

type result struct {
	frame proto.Frame
	err   error
}

type writeReq struct {
	frame proto.Frame
	done  chan error
}

// Conn owns one control socket. All writes go through a single write loop and
// all reads through a single read loop; callers only ever use SendRequest and
// handlers.
type Conn struct {
	nc   net.Conn
	cfg  Config
	name string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	nextTx   uint32
	pending  map[uint32]chan result
	handlers map[proto.Type]Handler
	closed   bool
	cause    error

	writeCh   chan writeReq
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// New wraps nc. Register handlers, then call Start.
func New(nc net.Conn, cfg Config) *Conn {
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = proto.DefaultMaxPayload
	}
	if cfg.WriteQueue <= 0 {
		cfg.WriteQueue = 32
	}
	name := cfg.Name
	if name == "" && nc.RemoteAddr() != nil {
		name = nc.RemoteAddr().String()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		nc:       nc,
		cfg:      cfg,
		name:     name,
		ctx:      ctx,
		cancel:   cancel,
		nextTx:   1,
		pending:  make(map[uint32]chan result),
		handlers: make(map[proto.Type]Handler),
		writeCh:  make(chan writeReq, cfg.WriteQueue),
		done:     make(chan struct{}),
	}
}

// Start launches the read and write loops. Calling it more than once is a no-op.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		go c.writeLoop()
		go c.readLoop()
	})
}

func (c *Conn) String() string { return c.name }

// Context is canceled when the connection closes.

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Handle binds an inbound request type to h. Each type takes exactly one handler.
func (c *Conn) Handle(t proto.Type, h Handler) error {
	if _, err := proto.New(t); err != nil || t == proto.TypeError {
		return fmt.Errorf("control: cannot handle %s", t)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[t]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, t)
	}
	c.handlers[t] = h
	return nil
}

// SendRequest writes msg as a Request with a fresh tx_id and waits for the
// matching Response, for ctx to end, or for the connection to close.
// A ProtocolError from the peer is returned as the error.
func (c *Conn) SendRequest(ctx context.Context, msg proto.Message) (proto.Message, error) {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	tx, err := c.nextTxIDLocked()
	var ch chan result
	if err == nil {
		ch, err = c.registerLocked(tx)
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.await(ctx, tx, msg.Type(), payload, ch)
}

// sendRequestWithTxID is SendRequest with a caller chosen tx_id.
func (c *Conn) sendRequestWithTxID(ctx context.Context, tx uint32, msg proto.Message) (proto.Message, error) {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	ch, err := c.registerLocked(tx)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.await(ctx, tx, msg.Type(), payload, ch)
}

// nextTxIDLocked hands out tx_ids 1..MaxUint32. Wrapping back to 1 is only
// allowed once nothing is outstanding, otherwise ids could alias.
func (c *Conn) nextTxIDLocked() (uint32, error) {
	if c.nextTx == 0 {
		if len(c.pending) > 0 {
			return 0, ErrTxIDExhausted
		}
		c.nextTx = 1
	}
	tx := c.nextTx
	c.nextTx++
	return tx, nil
}

func (c *Conn) registerLocked(tx uint32) (chan result, error) {
	if c.closed {
		return nil, ErrConnectionClosed
	}
	if _, ok := c.pending[tx]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateTxID, tx)
	}
	ch := make(chan result, 1)
	c.pending[tx] = ch
	obs.PendingRequests.Inc()
	return ch, nil
}

// retire removes tx from the pending table. It reports false if the entry was
// already gone, i.e. a response or close already completed it.
func (c *Conn) retire(tx uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[tx]; !ok {
		return false
	}
	delete(c.pending, tx)
	obs.PendingRequests.Dec()
	return true
}

func (c *Conn) await(ctx context.Context, tx uint32, t proto.Type, payload []byte, ch chan result) (proto.Message, error) {
	f := proto.Frame{Kind: proto.KindRequest, Type: t, TxID: tx, Payload: payload}
	if err := c.write(ctx, f); err != nil {
		c.retire(tx)
		return nil, err
	}
	select {
	case res := <-ch:
		return c.decodeResult(res)
	case <-ctx.Done():
		if !c.retire(tx) {
			// completed concurrently with the deadline
			return c.decodeResult(<-ch)
		}
		return nil, c.ctxErr(ctx, t, tx)
	}
}

func (c *Conn) ctxErr(ctx context.Context, t proto.Type, tx uint32) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s tx %d", ErrRequestTimedOut, t, tx)
	}
	return ctx.Err()
}

func (c *Conn) decodeResult(res result) (proto.Message, error) {
	if res.err != nil {
		return nil, res.err
	}
	m, err := proto.Unmarshal(res.frame.Type, res.frame.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", res.frame.Type, err)
	}
	if pe, ok := m.(*proto.ProtocolError); ok {
		return nil, pe
	}
	return m, nil
}

// write hands f to the write loop and waits until it is on the wire.
func (c *Conn) write(ctx context.Context, f proto.Frame) error {
	req := writeReq{frame: f, done: make(chan error, 1)}
	select {
	case c.writeCh <- req:
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return c.ctxErr(ctx, f.Type, f.TxID)
	}
	select {
	case err := <-req.done:
		return err
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return c.ctxErr(ctx, f.Type, f.TxID)
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case req := <-c.writeCh:
			err := proto.WriteFrame(c.nc, req.frame)
			req.done <- err
			if err != nil {
				c.closeWithError(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func (c *Conn) readLoop() {
	br := bufio.NewReader(c.nc)
	for {
		f, err := proto.ReadFrame(br, c.cfg.MaxPayload)
		if err != nil {
			c.closeWithError(err)
			return
		}
		switch f.Kind {
		case proto.KindResponse:
			c.deliver(f)
		case proto.KindRequest:
			c.dispatch(f)
		}
	}
}

func (c *Conn) deliver(f proto.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.TxID]
	if ok {
		delete(c.pending, f.TxID)
	}
	c.mu.Unlock()
	if !ok {
		obs.Warn("control.unmatched_response", obs.Fields{"conn": c.name, "tx_id": f.TxID, "type": f.Type.String()})
		obs.ErrorsTotal.WithLabelValues("unmatched_response").Inc()
		return
	}
	obs.PendingRequests.Dec()
	ch <- result{frame: f}
}

func (c *Conn) dispatch(f proto.Frame) {
	c.mu.Lock()
	h := c.handlers[f.Type]
	c.mu.Unlock()
	if h == nil {
		obs.Warn("control.unknown_command", obs.Fields{"conn": c.name, "tx_id": f.TxID, "type": f.Type.String()})
		obs.ErrorsTotal.WithLabelValues("unknown_command").Inc()
		go c.reply(f, nil, &proto.ProtocolError{Code: proto.CodeUnknownCommand, Message: f.Type.String()})
		return
	}
	go func() {
		req, err := proto.Unmarshal(f.Type, f.Payload)
		if err != nil {
			obs.ErrorsTotal.WithLabelValues("decode_request").Inc()
			c.reply(f, nil, err)
			return
		}
		resp, err := h(c.ctx, req)
		c.reply(f, resp, err)
	}()
}

func (c *Conn) reply(req proto.Frame, resp proto.Message, herr error) {
	out := proto.Frame{Kind: proto.KindResponse, TxID: req.TxID}
	if herr == nil && resp == nil {
		herr = fmt.Errorf("no response for %s", req.Type)
	}
	if herr == nil {
		payload, err := proto.Marshal(resp)
		if err != nil {
			herr = err
		} else {
			out.Type = resp.Type()
			out.Payload = payload
		}
	}
	if herr != nil {
		pe := proto.AsProtocolError(herr)
		payload, err := proto.Marshal(pe)
		if err != nil {
			payload, _ = proto.Marshal(&proto.ProtocolError{Code: pe.Code})
		}
		out.Type = proto.TypeError
		out.Payload = payload
	}
	if err := c.write(c.ctx, out); err != nil {
		obs.Debug("control.reply.write", obs.Fields{"conn": c.name, "tx_id": req.TxID, "err": err})
	}
	if isTerminal(herr) {
		c.Close()
	}
}

// Close shuts the socket and fails every pending request with ErrConnectionClosed.
func (c *Conn) Close() error {
	c.closeWithError(ErrConnectionClosed)
	return nil
}

func (c *Conn) closeWithError(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.cause = cause
		pending := c.pending
		c.pending = make(map[uint32]chan result)
		c.mu.Unlock()

		c.cancel()
		close(c.done)
		_ = c.nc.Close()

		failure := ErrConnectionClosed
		if !errors.Is(cause, ErrConnectionClosed) {
			failure = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
		}
		for _, ch := range pending {
			ch <- result{err: failure}
			obs.PendingRequests.Dec()
		}
		obs.Debug("control.closed", obs.Fields{"conn": c.name, "cause": cause.Error(), "failed_pending": len(pending)})
	})
}

type terminalError struct{ err error }

func (e terminalError) Error() string { return e.err.Error() }
func (e terminalError) Unwrap() error { return e.err }

// Terminal marks a handler error after which the connection is closed once
// the Error Response has been written.
func Terminal(err error) error {
	return terminalError{err: err}
}

func isTerminal(err error) bool {
	var te terminalError
	return errors.As(err, &te)
}
