// Package bridge pumps protocol events off a driver connection and onto
// a per-kernel subscriber set, preserving FIFO order within a kernel.
// It is the thin layer that turns an io.ReadWriteCloser (whatever the
// driver speaks) into a typed, fanned-out event stream, and synthesizes
// a terminal execute_error when the underlying transport dies.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kernelforge/kerneld/internal/protocol"
)

// Handler receives events as they are pumped off the connection. It must
// not block for long — the pump is single-threaded per kernel.
type Handler func(*protocol.Event)

// Bridge owns one driver connection and demuxes it into two lanes:
// unsolicited events (pushed to Handler, in arrival order) and
// request/response replies (matched by ID, delivered to the caller that
// issued the request).
type Bridge struct {
	conn io.ReadWriteCloser
	enc  *json.Encoder
	dec  *bufio.Scanner

	log zerolog.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[any]chan *protocol.Response
	nextID    int64

	onEvent Handler

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// New wraps conn and starts pumping. onEvent is invoked for every
// notification-shaped frame (an Event); call requests are correlated via
// Call. The pump runs until conn is closed or a read error occurs.
func New(conn io.ReadWriteCloser, kernelID string, log zerolog.Logger, onEvent Handler) *Bridge {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	b := &Bridge{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		dec:     scanner,
		log:     log.With().Str("kernel_id", kernelID).Logger(),
		pending: make(map[any]chan *protocol.Response),
		onEvent: onEvent,
		closed:  make(chan struct{}),
	}
	go b.pump()
	return b
}

// Call issues a JSON-RPC request and blocks for its matched response, or
// until ctx is done, or until the bridge closes.
func (b *Bridge) Call(ctx context.Context, method string, params map[string]any) (*protocol.Response, error) {
	b.pendingMu.Lock()
	b.nextID++
	id := b.nextID
	ch := make(chan *protocol.Response, 1)
	b.pending[float64(id)] = ch
	b.pendingMu.Unlock()

	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, float64(id))
		b.pendingMu.Unlock()
	}()

	req := protocol.NewRequest(method, params, id)
	b.writeMu.Lock()
	err := b.enc.Encode(req)
	b.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("bridge: write request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closed:
		return nil, b.closeErrOrDefault()
	}
}

// Notify sends a fire-and-forget notification: a request with no ID,
// for which no response is awaited.
func (b *Bridge) Notify(method string, params map[string]any) error {
	req := protocol.NewNotification(method, params)
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.enc.Encode(req)
}

// Close shuts down the underlying connection and unblocks any pending
// Call. Idempotent.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.conn.Close()
		close(b.closed)
	})
	return b.closeErr
}

func (b *Bridge) closeErrOrDefault() error {
	if b.closeErr != nil {
		return b.closeErr
	}
	return io.ErrClosedPipe
}

// pump reads newline-delimited frames from the connection. Each frame is
// either a Response (has an "id" matching a pending Call) or an Event
// notification. On read failure it synthesizes a terminal DriverGone
// event for the kernel and exits.
func (b *Bridge) pump() {
	defer b.Close()

	for b.dec.Scan() {
		line := b.dec.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe struct {
			ID *json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(line, &probe); err == nil && probe.ID != nil {
			var resp protocol.Response
			if err := json.Unmarshal(line, &resp); err != nil {
				b.log.Warn().Err(err).Msg("bridge: malformed response frame")
				continue
			}
			b.deliverResponse(&resp)
			continue
		}

		var evt protocol.Event
		if err := json.Unmarshal(line, &evt); err != nil {
			b.log.Warn().Err(err).Msg("bridge: malformed event frame")
			continue
		}
		if b.onEvent != nil {
			b.onEvent(&evt)
		}
	}

	if err := b.dec.Err(); err != nil {
		b.log.Warn().Err(err).Msg("bridge: connection read failed")
	}

	if b.onEvent != nil {
		b.onEvent(&protocol.Event{
			Kind: protocol.KindExecuteError,
			ExecuteError: &protocol.ExecuteErrorEvent{
				EName:  protocol.ErrNameDriverGone,
				EValue: "driver connection closed unexpectedly",
			},
		})
	}
}

func (b *Bridge) deliverResponse(resp *protocol.Response) {
	key, ok := normalizeID(resp.ID)
	if !ok {
		return
	}
	b.pendingMu.Lock()
	ch, ok := b.pending[key]
	b.pendingMu.Unlock()
	if !ok {
		b.log.Debug().Interface("id", resp.ID).Msg("bridge: response for unknown/expired request")
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func normalizeID(id any) (any, bool) {
	switch v := id.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, false
		}
		return f, true
	default:
		return nil, false
	}
}
