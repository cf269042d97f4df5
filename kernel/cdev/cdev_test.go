//go:build linux

package cdev

import (
	"encoding/binary"
	"errors"
	"runtime"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/adamlouis/dc1394/kernel"
)

// cameraROM is the config ROM of a typical IIDC camera with its command
// registers at 0xF0F00000.
func cameraROM() []uint32 {
	return []uint32{
		0x0404a1b2, // bus info block, 4 quadlets
		0x31333934, // "1394"
		0xe0ff8112,
		0x00b09d01,
		0x00a4e3c8,
		0x00035b7c, // root directory, 3 entries
		0x0300b09d, // vendor
		0x0c0083c0, // node capabilities
		0xd1000001, // unit directory at +1
		0x0004c2d1, // unit directory, 4 entries
		0x1200a02d, // IIDC
		0x13000102, // version 1.31
		0xd4000002, // unit dependent directory at +2
		0x17000000,
		0x00021b34, // unit dependent directory, 2 entries
		0x403c0000, // command_regs_base
		0x8100000a,
	}
}

func TestParseConfigROM(t *testing.T) {
	notIIDC := cameraROM()
	notIIDC[10] = 0x12005e00

	noBase := cameraROM()
	noBase[15] = 0x41000000

	tests := []struct {
		name string
		rom  []uint32
		want uint32
		err  error
	}{
		{"camera", cameraROM(), 0xF0F00000, nil},
		{"other unit", notIIDC, 0, ErrNotIIDC},
		{"no command base", noBase, 0, ErrNotIIDC},
		{"truncated", cameraROM()[:12], 0, ErrNotIIDC},
		{"bus info only", cameraROM()[:5], 0, ErrNotIIDC},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConfigROM(tt.rom)
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if got != tt.want {
				t.Fatalf("base = 0x%08x, want 0x%08x", got, tt.want)
			}
		})
	}
	if _, err := ParseConfigROM(nil); err == nil {
		t.Fatal("empty ROM accepted")
	}
}

func TestIoctlNumbers(t *testing.T) {
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64" {
		t.Skipf("ioctl encoding differs on %s", runtime.GOARCH)
	}
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"GET_INFO", FW_CDEV_IOC_GET_INFO, 0xc0282300},
		{"SEND_REQUEST", FW_CDEV_IOC_SEND_REQUEST, 0x40282301},
		{"CREATE_ISO_CONTEXT", FW_CDEV_IOC_CREATE_ISO_CONTEXT, 0xc0202308},
		{"QUEUE_ISO", FW_CDEV_IOC_QUEUE_ISO, 0xc0182309},
		{"START_ISO", FW_CDEV_IOC_START_ISO, 0x4010230a},
		{"STOP_ISO", FW_CDEV_IOC_STOP_ISO, 0x4004230b},
		{"ALLOCATE_ISO_RESOURCE_ONCE", FW_CDEV_IOC_ALLOCATE_ISO_RESOURCE_ONCE, 0x4018230f},
		{"DEALLOCATE_ISO_RESOURCE_ONCE", FW_CDEV_IOC_DEALLOCATE_ISO_RESOURCE_ONCE, 0x40182310},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = 0x%08x, want 0x%08x", tt.name, tt.got, tt.want)
		}
	}
}

func rawEvent(typ uint32, fields ...uint32) []byte {
	b := make([]byte, 12+4*len(fields))
	binary.NativeEndian.PutUint64(b, 7)
	binary.NativeEndian.PutUint32(b[8:], typ)
	for i, f := range fields {
		binary.NativeEndian.PutUint32(b[12+4*i:], f)
	}
	return b
}

func TestDecodeEvent(t *testing.T) {
	resp := rawEvent(FW_CDEV_EVENT_RESPONSE, RCODE_COMPLETE, 4, 0)
	copy(resp[20:], []byte{0x80, 0, 0, 0})
	ev, err := decodeEvent(resp)
	if err != nil {
		t.Fatal(err)
	}
	if ev.closure != 7 || ev.rcode != RCODE_COMPLETE || binary.BigEndian.Uint32(ev.data) != 0x80000000 {
		t.Fatalf("response = %+v", ev)
	}

	ev, err = decodeEvent(rawEvent(FW_CDEV_EVENT_BUS_RESET, 1, 2, 3, 4, 5, 42))
	if err != nil || ev.generation != 42 {
		t.Fatalf("bus reset = %+v, %v", ev, err)
	}

	ev, err = decodeEvent(rawEvent(FW_CDEV_EVENT_ISO_RESOURCE_ALLOCATED, 3, 5, 1292))
	if err != nil || ev.handle != 3 || ev.channel != 5 || ev.bandwidth != 1292 {
		t.Fatalf("iso resource = %+v, %v", ev, err)
	}

	noChannel := uint32(0xffffffff)
	ev, err = decodeEvent(rawEvent(FW_CDEV_EVENT_ISO_RESOURCE_ALLOCATED, 3, noChannel, 0))
	if err != nil || ev.channel != -1 {
		t.Fatalf("failed allocation = %+v, %v", ev, err)
	}

	if _, err := decodeEvent(rawEvent(FW_CDEV_EVENT_RESPONSE, RCODE_COMPLETE, 8)); !errors.Is(err, errShortEvent) {
		t.Fatalf("short response: %v", err)
	}
	if _, err := decodeEvent([]byte{1, 2}); !errors.Is(err, errShortEvent) {
		t.Fatalf("short event: %v", err)
	}
}

func TestRcodeError(t *testing.T) {
	tests := []struct {
		rcode uint32
		want  error
	}{
		{RCODE_COMPLETE, nil},
		{RCODE_BUSY, kernel.ErrBusy},
		{RCODE_GENERATION, kernel.ErrBusy},
		{RCODE_NO_ACK, unix.ETIMEDOUT},
		{RCODE_ADDRESS_ERROR, unix.EIO},
		{RCODE_TYPE_ERROR, unix.EIO},
	}
	for _, tt := range tests {
		err := rcodeError(tt.rcode)
		if tt.want == nil {
			if err != nil {
				t.Errorf("rcode 0x%02x: %v", tt.rcode, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("rcode 0x%02x: %v, want %v", tt.rcode, err, tt.want)
		}
	}
}

func TestPacketControls(t *testing.T) {
	c := packetControls(3, 1280)
	want := []uint32{
		4<<24 | FW_CDEV_ISO_SYNC | 1280,
		4<<24 | 1280,
		4<<24 | FW_CDEV_ISO_INTERRUPT | 1280,
	}
	for i := range want {
		if c[i] != want[i] {
			t.Errorf("packet %d = 0x%08x, want 0x%08x", i, c[i], want[i])
		}
	}
	if one := packetControls(1, 64); one[0] != 4<<24|FW_CDEV_ISO_SYNC|FW_CDEV_ISO_INTERRUPT|64 {
		t.Errorf("single packet = 0x%08x", one[0])
	}
}
