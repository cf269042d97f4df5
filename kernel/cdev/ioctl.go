//go:build linux

package cdev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/blackjack/webcam/ioctl"
	"golang.org/x/sys/unix"

	"github.com/adamlouis/dc1394/kernel"
)

// ABI version requested from the kernel.
const cdevVersion = 4

const (
	FW_CDEV_EVENT_BUS_RESET                uint32 = 0x00
	FW_CDEV_EVENT_RESPONSE                 uint32 = 0x01
	FW_CDEV_EVENT_REQUEST                  uint32 = 0x02
	FW_CDEV_EVENT_ISO_INTERRUPT            uint32 = 0x03
	FW_CDEV_EVENT_ISO_RESOURCE_ALLOCATED   uint32 = 0x04
	FW_CDEV_EVENT_ISO_RESOURCE_DEALLOCATED uint32 = 0x05
)

const (
	FW_CDEV_ISO_CONTEXT_RECEIVE        uint32 = 1
	FW_CDEV_ISO_CONTEXT_MATCH_ALL_TAGS uint32 = 15
	FW_CDEV_ISO_INTERRUPT              uint32 = 1 << 16
	FW_CDEV_ISO_SYNC                   uint32 = 1 << 17
)

const FW_CDEV_ISO_HEADER_LENGTH_SHIFT = 24

const (
	TCODE_WRITE_QUADLET_REQUEST uint32 = 0
	TCODE_READ_QUADLET_REQUEST  uint32 = 4
	CSR_REGISTER_BASE           uint64 = 0xFFFF00000000
)

const (
	isoHeaderSize uint32 = 4
	// Channel 63 is the broadcast channel.
	allChannels   uint64 = 1<<63 - 1
)

// Response codes of asynchronous transactions.
const (
	RCODE_COMPLETE      uint32 = 0x00
	RCODE_CONFLICT      uint32 = 0x04
	RCODE_DATA_ERROR    uint32 = 0x05
	RCODE_TYPE_ERROR    uint32 = 0x06
	RCODE_ADDRESS_ERROR uint32 = 0x07
	RCODE_SEND_ERROR    uint32 = 0x10
	RCODE_CANCELLED     uint32 = 0x11
	RCODE_BUSY          uint32 = 0x12
	RCODE_GENERATION    uint32 = 0x13
	RCODE_NO_ACK        uint32 = 0x14
)

var (
	FW_CDEV_IOC_GET_INFO                     = ioctl.IoRW(uintptr('#'), 0x00, unsafe.Sizeof(fw_cdev_get_info{}))
	FW_CDEV_IOC_SEND_REQUEST                 = ioctl.IoW(uintptr('#'), 0x01, unsafe.Sizeof(fw_cdev_send_request{}))
	FW_CDEV_IOC_CREATE_ISO_CONTEXT           = ioctl.IoRW(uintptr('#'), 0x08, unsafe.Sizeof(fw_cdev_create_iso_context{}))
	FW_CDEV_IOC_QUEUE_ISO                    = ioctl.IoRW(uintptr('#'), 0x09, unsafe.Sizeof(fw_cdev_queue_iso{}))
	FW_CDEV_IOC_START_ISO                    = ioctl.IoW(uintptr('#'), 0x0a, unsafe.Sizeof(fw_cdev_start_iso{}))
	FW_CDEV_IOC_STOP_ISO                     = ioctl.IoW(uintptr('#'), 0x0b, unsafe.Sizeof(fw_cdev_stop_iso{}))
	FW_CDEV_IOC_ALLOCATE_ISO_RESOURCE_ONCE   = ioctl.IoW(uintptr('#'), 0x0f, unsafe.Sizeof(fw_cdev_allocate_iso_resource{}))
	FW_CDEV_IOC_DEALLOCATE_ISO_RESOURCE_ONCE = ioctl.IoW(uintptr('#'), 0x10, unsafe.Sizeof(fw_cdev_allocate_iso_resource{}))
)

// _IO('#', 0x11): the speed is the ioctl's return value.
const FW_CDEV_IOC_GET_SPEED uintptr = 0x2311

type fw_cdev_get_info struct {
	version           uint32
	rom_length        uint32
	rom               uint64
	bus_reset         uint64
	bus_reset_closure uint64
	card              uint32
	_                 uint32
}

type fw_cdev_event_bus_reset struct {
	closure       uint64
	_type         uint32
	node_id       uint32
	local_node_id uint32
	bm_node_id    uint32
	irm_node_id   uint32
	root_node_id  uint32
	generation    uint32
	_             uint32
}

type fw_cdev_send_request struct {
	tcode      uint32
	length     uint32
	offset     uint64
	closure    uint64
	data       uint64
	generation uint32
	_          uint32
}

type fw_cdev_create_iso_context struct {
	_type       uint32
	header_size uint32
	channel     uint32
	speed       uint32
	closure     uint64
	handle      uint32
	_           uint32
}

type fw_cdev_queue_iso struct {
	packets uint64
	data    uint64
	size    uint32
	handle  uint32
}

type fw_cdev_start_iso struct {
	cycle  int32
	sync   uint32
	tags   uint32
	handle uint32
}

type fw_cdev_stop_iso struct {
	handle uint32
}

type fw_cdev_allocate_iso_resource struct {
	closure   uint64
	channels  uint64
	bandwidth uint32
	handle    uint32
}

// event is a decoded read from a cdev descriptor. Only the fields of its
// type are set.
type event struct {
	closure uint64
	typ     uint32

	// bus reset
	generation uint32

	// response
	rcode uint32
	data  []byte

	// iso interrupt
	cycle uint32

	// iso resource
	handle    int32
	channel   int32
	bandwidth int32
}

var errShortEvent = errors.New("cdev: short event")

func decodeEvent(b []byte) (event, error) {
	if len(b) < 12 {
		return event{}, errShortEvent
	}
	order := binary.NativeEndian
	ev := event{closure: order.Uint64(b), typ: order.Uint32(b[8:])}
	switch ev.typ {
	case FW_CDEV_EVENT_BUS_RESET:
		if len(b) < 36 {
			return ev, errShortEvent
		}
		ev.generation = order.Uint32(b[32:])
	case FW_CDEV_EVENT_RESPONSE:
		if len(b) < 20 {
			return ev, errShortEvent
		}
		ev.rcode = order.Uint32(b[12:])
		n := int(order.Uint32(b[16:]))
		if len(b) < 20+n {
			return ev, errShortEvent
		}
		ev.data = append([]byte(nil), b[20:20+n]...)
	case FW_CDEV_EVENT_ISO_INTERRUPT:
		if len(b) < 16 {
			return ev, errShortEvent
		}
		ev.cycle = order.Uint32(b[12:])
	case FW_CDEV_EVENT_ISO_RESOURCE_ALLOCATED, FW_CDEV_EVENT_ISO_RESOURCE_DEALLOCATED:
		if len(b) < 24 {
			return ev, errShortEvent
		}
		ev.handle = int32(order.Uint32(b[12:]))
		ev.channel = int32(order.Uint32(b[16:]))
		ev.bandwidth = int32(order.Uint32(b[20:]))
	}
	return ev, nil
}

// rcodeError maps a response code to an error. Busy and stale-generation
// answers map to kernel.ErrBusy so the register layer retries them.
func rcodeError(rcode uint32) error {
	switch rcode {
	case RCODE_COMPLETE:
		return nil
	case RCODE_BUSY, RCODE_GENERATION:
		return kernel.ErrBusy
	case RCODE_CANCELLED, RCODE_NO_ACK:
		return fmt.Errorf("cdev: rcode 0x%02x: %w", rcode, unix.ETIMEDOUT)
	}
	return fmt.Errorf("cdev: rcode 0x%02x: %w", rcode, unix.EIO)
}

// packetControls builds the receive descriptors of one frame: packets of bpp
// bytes, waiting for the sync bit on the first and interrupting on the last.
func packetControls(packets, bpp int) []uint32 {
	c := make([]uint32, packets)
	for i := range c {
		c[i] = isoHeaderSize<<FW_CDEV_ISO_HEADER_LENGTH_SHIFT | uint32(bpp)
	}
	if packets > 0 {
		c[0] |= FW_CDEV_ISO_SYNC
		c[packets-1] |= FW_CDEV_ISO_INTERRUPT
	}
	return c
}
