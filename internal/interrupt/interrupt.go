// Package interrupt implements the interrupt channel: a single shared
// byte a caller can set to ask a running execution to stop
// cooperatively, without tearing down the kernel.
//
// Sandboxed kernels share the byte via a regular file on the host,
// bind-mounted into the container and mapped with mmap on both sides,
// so writes are visible without a syscall round trip. In-process
// kernels have no channel at all — they cannot be interrupted.
package interrupt

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Signal values written into the channel. Zero means "no interrupt
// pending"; any non-zero byte means "interrupt requested".
const (
	SignalNone      byte = 0
	SignalInterrupt byte = 2
)

// Channel is a single-byte cooperative signal between the manager and a
// running kernel.
type Channel interface {
	// Raise sets the interrupt signal.
	Raise() error
	// Clear resets the signal to none, typically once the running
	// execution has observed and honored it.
	Clear() error
	// Close releases any OS resources held by the channel.
	Close() error
}

// mmapChannel backs the channel with one mmap'd page over a regular
// file, the path driver.Driver.InterruptPath hands back for sandboxed
// kernels. The guest agent mmaps the same file inside the container.
type mmapChannel struct {
	file *os.File
	mem  []byte
}

// OpenFile maps the file at path as a Channel. The file must already
// exist (the driver provisions it at kernel-create time); OpenFile
// resizes it to exactly one page before mapping it.
func OpenFile(path string) (Channel, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("interrupt: open channel file: %w", err)
	}

	pageSize := os.Getpagesize()
	if err := f.Truncate(int64(pageSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("interrupt: size channel file: %w", err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("interrupt: mmap channel file: %w", err)
	}

	return &mmapChannel{file: f, mem: mem}, nil
}

func (c *mmapChannel) Raise() error {
	c.mem[0] = SignalInterrupt
	return nil
}

func (c *mmapChannel) Clear() error {
	c.mem[0] = SignalNone
	return nil
}

func (c *mmapChannel) Close() error {
	err := unix.Munmap(c.mem)
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}
	return err
}
