package vm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ---------------------------------------------------------------------------
// Devices: descriptor table behind the read/write instructions
// ---------------------------------------------------------------------------

// ErrBadDescriptor is returned for descriptors with no device attached.
var ErrBadDescriptor = errors.New("bad file descriptor")

// Devices maps descriptor numbers to byte streams. Descriptors without a
// registered reader or writer reach the operating system directly when raw
// access is allowed, and fail otherwise.
type Devices struct {
	mu      sync.Mutex
	readers map[Word]io.Reader
	writers map[Word]io.Writer
	raw     bool
}

// NewDevices returns an empty descriptor table with raw access disabled.
func NewDevices() *Devices {
	return &Devices{
		readers: make(map[Word]io.Reader),
		writers: make(map[Word]io.Writer),
	}
}

// StdDevices returns a table wired to the process's standard streams.
func StdDevices() *Devices {
	d := NewDevices()
	d.SetReader(0, os.Stdin)
	d.SetWriter(1, os.Stdout)
	d.SetWriter(2, os.Stderr)
	return d
}

// SetReader attaches r to descriptor fd.
func (d *Devices) SetReader(fd Word, r io.Reader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readers[fd] = r
}

// SetWriter attaches w to descriptor fd.
func (d *Devices) SetWriter(fd Word, w io.Writer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writers[fd] = w
}

// AllowRaw enables passing unregistered descriptors to the operating system.
func (d *Devices) AllowRaw(allow bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.raw = allow
}

// Get reads a single byte from fd. It returns io.EOF at end of stream.
func (d *Devices) Get(fd Word) (byte, error) {
	var buf [1]byte

	d.mu.Lock()
	r, ok := d.readers[fd]
	raw := d.raw
	d.mu.Unlock()

	if ok {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			return 0, err
		}
		return buf[0], nil
	}
	if !raw || fd < 0 {
		return 0, fmt.Errorf("read fd %d: %w", fd, ErrBadDescriptor)
	}

	n, err := unix.Read(int(fd), buf[:])
	if err != nil {
		return 0, fmt.Errorf("read fd %d: %w", fd, err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return buf[0], nil
}

// Put writes a single byte to fd.
func (d *Devices) Put(fd Word, b byte) error {
	buf := [1]byte{b}

	d.mu.Lock()
	w, ok := d.writers[fd]
	raw := d.raw
	d.mu.Unlock()

	if ok {
		_, err := w.Write(buf[:])
		return err
	}
	if !raw || fd < 0 {
		return fmt.Errorf("write fd %d: %w", fd, ErrBadDescriptor)
	}

	if _, err := unix.Write(int(fd), buf[:]); err != nil {
		return fmt.Errorf("write fd %d: %w", fd, err)
	}
	return nil
}
