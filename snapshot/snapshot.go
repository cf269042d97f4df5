// package snapshot is a camera stills capture module.
package snapshot

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/adamlouis/dc1394"
	"github.com/adamlouis/dc1394/acquisition"
	"github.com/adamlouis/dc1394/dcerr"
	"github.com/adamlouis/dc1394/frame"
)

const (
	defaultTimeout = time.Second
	defaultBuffers = 4
)

type snap struct {
	frame    []byte
	released chan struct{}
}

// Snapper runs a capture goroutine that keeps acquiring the newest frame and
// hands it to whoever is waiting in Snap. A frame handed out holds its
// buffer until it is released.
type Snapper struct {
	cam     *dc1394.Camera
	Timeout time.Duration
	Buffers int
	mode    dc1394.VideoMode
	stop    chan struct{}
	done    chan struct{}
	stream  chan snap
	err     error
}

// NewSnapper creates a new Snapper.
func NewSnapper() *Snapper {
	return &Snapper{Timeout: defaultTimeout, Buffers: defaultBuffers}
}

// Close stops capturing and the camera's acquisition. Frames still held
// become invalid.
func (c *Snapper) Close() {
	if c.cam == nil {
		return
	}
	close(c.stop)
	// Flush any remaining frames.
	for s := range c.stream {
		close(s.released)
	}
	<-c.done
	c.cam.StopAcquisition()
	c.cam = nil
}

// Open starts streaming from an initialized camera.
func (c *Snapper) Open(cam *dc1394.Camera) error {
	if c.cam != nil {
		c.Close()
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("snapshot: timeout must be positive, got %v", c.Timeout)
	}
	if err := cam.StartAcquisition(c.Buffers, c.Timeout, acquisition.StartStream); err != nil {
		return err
	}
	c.cam = cam
	c.mode = cam.VideoMode()
	c.err = nil
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.stream = make(chan snap)
	go c.capture()
	return nil
}

// Snap returns one frame from the camera. Release it to let capturing go
// on.
func (c *Snapper) Snap() (frame.Frame, error) {
	if c.cam == nil {
		return nil, errors.New("snapshot: not open")
	}
	s, ok := <-c.stream
	if !ok {
		if c.err != nil {
			return nil, fmt.Errorf("No frame received: %w", c.err)
		}
		return nil, fmt.Errorf("No frame received")
	}
	return frame.New(c.mode.Coding, c.mode.Width, c.mode.Height, s.frame, func() {
		close(s.released)
	})
}

// capture continually acquires frames and either discards them or
// sends them to a channel that is ready to receive them.
func (c *Snapper) capture() {
	defer close(c.done)
	defer close(c.stream)
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		_, err := c.cam.AcquireLatest()
		switch {
		case err == nil:
		case errors.Is(err, dcerr.ErrFrameTimeout):
			continue
		default:
			glog.Errorf("snapshot: %s: %v", c.cam.Name(), err)
			c.err = err
			return
		}

		buf, ok := c.cam.RawFrame()
		if !ok {
			continue
		}
		s := snap{frame: buf, released: make(chan struct{})}
		select {
		// Only executed if stream is ready to receive.
		case c.stream <- s:
			// The buffer is reused by the next acquire.
			select {
			case <-s.released:
			case <-c.stop:
				return
			}
		case <-c.stop:
			return
		default:
		}
	}
}

// Query returns the supported modes of formats 0 to 2 by format name.
func Query(cam *dc1394.Camera) map[string][]string {
	m := map[string][]string{}
	for f := 0; f < 3; f++ {
		if !cam.HasVideoFormat(f) {
			continue
		}
		r := []string{}
		for mode := 0; mode < 8; mode++ {
			if !cam.HasVideoMode(f, mode) {
				continue
			}
			if vm, ok := dc1394.StandardMode(f, mode); ok {
				r = append(r, fmt.Sprintf("mode %d: %v", mode, vm))
			}
		}
		m[fmt.Sprintf("format %d", f)] = r
	}
	return m
}
