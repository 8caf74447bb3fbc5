package api

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/kernelforge/kerneld/internal/driver"
)

type fakeConn struct {
	pr *io.PipeReader
	pw *io.PipeWriter
}

func newFakeConn() *fakeConn {
	pr, pw := io.Pipe()
	return &fakeConn{pr: pr, pw: pw}
}

func (c *fakeConn) Read(p []byte) (int, error) { return c.pr.Read(p) }

func (c *fakeConn) Write(p []byte) (int, error) {
	line := append([]byte(nil), p...)
	go func() {
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(line, &req); err != nil || len(req.ID) == 0 {
			return
		}
		resp, err := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"result":  map[string]any{"status": "ok"},
			"id":      json.RawMessage(req.ID),
		})
		if err != nil {
			return
		}
		c.pw.Write(append(resp, '\n'))
	}()
	return len(p), nil
}

func (c *fakeConn) Close() error { return c.pw.Close() }

type fakeDriver struct{}

func newFakeDriver() *fakeDriver { return &fakeDriver{} }

func (d *fakeDriver) Create(ctx context.Context, cfg driver.KernelConfig) (string, error) {
	return uuid.NewString(), nil
}
func (d *fakeDriver) Start(ctx context.Context, id string) error { return nil }
func (d *fakeDriver) Stop(ctx context.Context, id string) error  { return nil }
func (d *fakeDriver) Connect(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	return newFakeConn(), nil
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
