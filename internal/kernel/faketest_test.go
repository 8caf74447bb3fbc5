package kernel

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kernelforge/kerneld/internal/driver"
	"github.com/kernelforge/kerneld/internal/protocol"
)

// scriptedConn acks "initialize" immediately and, on "execute", replays a
// fixed sequence of event frames (and a final Response ack) so tests can
// drive ExecuteStream/Execute without a real interpreter on the other end.
type scriptedConn struct {
	mu     sync.Mutex
	events []*protocol.Event

	pr *io.PipeReader
	pw *io.PipeWriter
}

func newScriptedConn(events []*protocol.Event) *scriptedConn {
	pr, pw := io.Pipe()
	return &scriptedConn{events: events, pr: pr, pw: pw}
}

func (c *scriptedConn) Read(p []byte) (int, error)  { return c.pr.Read(p) }
func (c *scriptedConn) Close() error                { return c.pw.Close() }

func (c *scriptedConn) Write(p []byte) (int, error) {
	line := append([]byte(nil), p...)
	go c.handle(line)
	return len(p), nil
}

func (c *scriptedConn) emit(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pw.Write(append(b, '\n'))
}

func (c *scriptedConn) handle(line []byte) {
	var req struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
		Params struct {
			Parent string `json:"parent"`
		} `json:"params"`
	}
	if err := json.Unmarshal(line, &req); err != nil {
		return
	}
	if len(req.ID) == 0 {
		return
	}
	c.emit(map[string]any{
		"jsonrpc": "2.0",
		"result":  map[string]any{"status": "ok"},
		"id":      json.RawMessage(req.ID),
	})
	if req.Method != "execute" {
		return
	}
	for _, evt := range c.events {
		evt.Parent = req.Params.Parent
		c.emit(evt)
	}
}

type fakeDriver struct {
	scripted []*protocol.Event
}

func newFakeDriver(scripted []*protocol.Event) *fakeDriver {
	return &fakeDriver{scripted: scripted}
}

func (d *fakeDriver) Create(ctx context.Context, cfg driver.KernelConfig) (string, error) {
	return uuid.NewString(), nil
}
func (d *fakeDriver) Start(ctx context.Context, id string) error { return nil }
func (d *fakeDriver) Stop(ctx context.Context, id string) error  { return nil }
func (d *fakeDriver) Connect(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	return newScriptedConn(d.scripted), nil
}
func (d *fakeDriver) InterruptPath(ctx context.Context, id string) (string, error) {
	return "", driver.ErrNotSupported
}
func (d *fakeDriver) ListFiles(ctx context.Context, id, path string) ([]*driver.FileEntry, error) {
	return nil, driver.ErrNotSupported
}
func (d *fakeDriver) PutFile(ctx context.Context, id, path string, content io.Reader) error {
	return driver.ErrNotSupported
}
func (d *fakeDriver) GetFile(ctx context.Context, id, path string) (io.ReadCloser, error) {
	return nil, driver.ErrNotSupported
}
func (d *fakeDriver) Info(ctx context.Context, id string) (*driver.KernelInfo, error) {
	return &driver.KernelInfo{ID: id, State: driver.StateReady, CreatedAt: time.Now()}, nil
}
func (d *fakeDriver) List(ctx context.Context, states []driver.KernelState) ([]*driver.KernelInfo, error) {
	return nil, nil
}
func (d *fakeDriver) DriverName() string                { return "fake" }
func (d *fakeDriver) Healthy(ctx context.Context) error { return nil }
func (d *fakeDriver) Close() error                       { return nil }
