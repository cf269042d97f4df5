package kernel

import (
	"errors"

	"golang.org/x/sys/unix"
)

// PageAllocator hands out page aligned anonymous mappings for frames and
// eventfd backed requests. It is the default Allocator of every backend.
type PageAllocator struct{}

// AllocFrame maps size bytes rounded up to whole pages. The returned slice
// covers the whole mapping and must be passed unchanged to FreeFrame.
func (PageAllocator) AllocFrame(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.New("kernel: invalid frame size")
	}
	page := unix.Getpagesize()
	length := (size + page - 1) &^ (page - 1)
	return unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func (PageAllocator) FreeFrame(buf []byte) error {
	if buf == nil {
		return nil
	}
	return unix.Munmap(buf)
}

func (PageAllocator) NewRequest() (*Request, error) {
	return NewRequest()
}

func (PageAllocator) FreeRequest(req *Request) error {
	if req == nil {
		return nil
	}
	return req.Close()
}
