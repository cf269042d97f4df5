// Package dc1394 drives IEEE-1394 digital cameras (IIDC) from user space.
//
// A Camera binds to a kernel.Device, reads the camera's capabilities in Init
// and runs an acquisition session over a ring of page-aligned buffers:
//
//	cam, err := dc1394.Open(dev)
//	...
//	err = cam.Init(false)
//	err = cam.StartAcquisitionDefault()
//	defer cam.StopAcquisition()
//	for {
//		if _, err := cam.Acquire(true); err != nil {
//			...
//		}
//		buf, _ := cam.RawFrame()
//		...
//	}
package dc1394

import (
	"fmt"
	"io"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/adamlouis/dc1394/acquisition"
	"github.com/adamlouis/dc1394/dcerr"
	"github.com/adamlouis/dc1394/frame"
	"github.com/adamlouis/dc1394/kernel"
	"github.com/adamlouis/dc1394/regio"
)

// Command registers, relative to the command base.
const (
	regInitialize    = 0x000
	regFormatInq     = 0x100
	regModeInq       = 0x180
	regRateInq       = 0x200
	regBasicFuncInq  = 0x400
	regFeatureHiInq  = 0x404
	regFeatureLoInq  = 0x408
	regCurrentRate   = 0x600
	regCurrentMode   = 0x604
	regCurrentFormat = 0x608
	regISOChannel    = 0x60C
	regPower         = 0x610
	regISOEnable     = 0x614
	regShot          = 0x61C
)

const (
	basicOneShot   = 0x80000000 >> 19
	basicMultiShot = 0x80000000 >> 20
	basicPower     = 1 << 15
	basic1394b     = 0x00800000

	iso1394b = 0x00008000
)

type options struct {
	retry regio.RetryConfig
	base  uint32
}

// Option configures Open.
type Option func(*options)

// WithRetry sets the retry policy of register transactions.
func WithRetry(r regio.RetryConfig) Option {
	return func(o *options) { o.retry = r }
}

// WithCommandBase overrides the command register base reported by the
// device.
func WithCommandBase(base uint32) Option {
	return func(o *options) { o.base = base }
}

type inquiry struct {
	formats uint32
	modes   [8]uint32
	rates   [3][8]uint32
	basic   uint32
	feature [2]uint32
	power   uint32
}

// Camera is one IIDC camera session.
type Camera struct {
	dev  kernel.Device
	regs *regio.Bus
	eng  *acquisition.Engine

	initialized bool
	maxSpeed    kernel.Speed
	inq         inquiry
	video       VideoSettings
	mode        VideoMode
	geo         acquisition.Geometry
}

// Open binds a camera to dev. No bus traffic happens until Init.
func Open(dev kernel.Device, opts ...Option) (*Camera, error) {
	if dev == nil {
		return nil, dcerr.New(dcerr.NotInitialized, "open", fmt.Errorf("no device"))
	}
	o := options{retry: regio.DefaultRetryConfig(), base: dev.CommandBase()}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Camera{dev: dev}
	c.regs = regio.New(dev, o.base, o.retry)
	c.eng = acquisition.New(dev, c.regs, controller{c})
	return c, nil
}

// Close stops any running acquisition and closes the device if it can be
// closed.
func (c *Camera) Close() error {
	c.eng.Stop()
	c.initialized = false
	if cl, ok := c.dev.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

func (c *Camera) Name() string {
	return c.dev.Name()
}

func errNotInitialized(op string) error {
	return dcerr.New(dcerr.NotInitialized, op, nil)
}

func errOutOfRange(op, format string, args ...interface{}) error {
	return dcerr.New(dcerr.ParamOutOfRange, op, fmt.Errorf(format, args...))
}

func errBusy(op string) error {
	return dcerr.New(dcerr.Busy, op, fmt.Errorf("stop image acquisition first"))
}

// Init reads the camera's capabilities and current settings. With reset the
// camera is first returned to its factory defaults. Stream resources left by
// an earlier session that did not shut down are released.
func (c *Camera) Init(reset bool) error {
	if c.eng.Armed() {
		glog.Errorf("InitCamera: camera is busy, stop image acquisition first")
		return errBusy("init")
	}
	if c.initialized {
		glog.Warningf("InitCamera: duplicate call to InitCamera")
	}
	c.initialized = false

	if err := c.dev.TeardownStream(); err != nil {
		glog.V(1).Infof("InitCamera: teardown of stale stream: %v", err)
	}

	speed, err := c.dev.MaxSpeed()
	if err != nil {
		glog.Errorf("InitCamera: error reading max speed: %v", err)
		return dcerr.IO("init", err)
	}
	c.maxSpeed = speed

	if reset {
		if err := c.regs.WriteQuadlet(regInitialize, 0x80000000); err != nil {
			glog.Warningf("InitCamera: reset to defaults failed: %v", err)
		}
	}

	if err := c.inquire(); err != nil {
		glog.Errorf("InitCamera: %v", err)
		return err
	}
	c.initialized = true

	if c.HasPowerControl() {
		if c.inq.power, err = c.regs.ReadQuadlet(regPower); err != nil {
			glog.Errorf("InitCamera: error reading power register: %v", err)
			c.initialized = false
			return err
		}
	}

	if err := c.readVideoSettings(); err != nil {
		c.initialized = false
		return err
	}
	glog.V(1).Infof("InitCamera: %s: %v, max speed %v", c.Name(), c.video, c.maxSpeed)
	return nil
}

func (c *Camera) inquire() error {
	var err error
	if c.inq.formats, err = c.regs.ReadQuadlet(regFormatInq); err != nil {
		return fmt.Errorf("inquire video formats: %w", err)
	}
	c.inq.modes = [8]uint32{}
	c.inq.rates = [3][8]uint32{}
	for f := 0; f < 8; f++ {
		if c.inq.formats&(0x80000000>>uint(f)) == 0 {
			continue
		}
		if c.inq.modes[f], err = c.regs.ReadQuadlet(regModeInq + 4*uint32(f)); err != nil {
			return fmt.Errorf("inquire video modes of format %d: %w", f, err)
		}
		if f >= len(c.inq.rates) {
			continue
		}
		for m := 0; m < 8; m++ {
			if c.inq.modes[f]&(0x80000000>>uint(m)) == 0 {
				continue
			}
			if c.inq.rates[f][m], err = c.regs.ReadQuadlet(regRateInq + 32*uint32(f) + 4*uint32(m)); err != nil {
				return fmt.Errorf("inquire video rates of format %d mode %d: %w", f, m, err)
			}
		}
	}
	if c.inq.basic, err = c.regs.ReadQuadlet(regBasicFuncInq); err != nil {
		return fmt.Errorf("inquire basic functions: %w", err)
	}
	for i, reg := range []uint32{regFeatureHiInq, regFeatureLoInq} {
		if c.inq.feature[i], err = c.regs.ReadQuadlet(reg); err != nil {
			return fmt.Errorf("inquire features: %w", err)
		}
	}
	return nil
}

func (c *Camera) readVideoSettings() error {
	var v [3]uint32
	for i, reg := range []uint32{regCurrentFormat, regCurrentMode, regCurrentRate} {
		var err error
		if v[i], err = c.regs.ReadQuadlet(reg); err != nil {
			glog.Errorf("InitCamera: error reading video settings: %v", err)
			return err
		}
	}
	c.video = VideoSettings{Format: int(v[0] >> 29), Mode: int(v[1] >> 29), Rate: int(v[2] >> 29)}
	c.updateParameters()
	return nil
}

// updateParameters recomputes the stream geometry for the current video
// settings. An unusable combination leaves a zero geometry, which
// CheckVideoSettings rejects.
func (c *Camera) updateParameters() {
	c.mode = VideoMode{}
	c.geo = acquisition.Geometry{}
	v := c.video
	if v.Format == Format7 {
		info, err := c.readFormat7(v.Mode)
		if err != nil {
			glog.Warningf("UpdateParameters: error reading format 7 mode %d: %v", v.Mode, err)
			return
		}
		c.mode = VideoMode{Width: info.Width, Height: info.Height, Coding: info.Coding}
		c.geo = acquisition.Geometry{FrameSize: info.TotalBytes, BytesPerPacket: info.BytesPerPacket}
		return
	}
	m, ok := StandardMode(v.Format, v.Mode)
	if !ok {
		return
	}
	c.mode = m
	c.geo = acquisition.Geometry{
		FrameSize:      m.Coding.FrameSize(m.Width, m.Height),
		BytesPerPacket: BytesPerPacket(v.Format, v.Mode, v.Rate),
	}
}

func (c *Camera) ReadQuadlet(addr uint32) (uint32, error) {
	return c.regs.ReadQuadlet(addr)
}

func (c *Camera) WriteQuadlet(addr uint32, value uint32) error {
	return c.regs.WriteQuadlet(addr, value)
}

// Initialized reports whether Init succeeded.
func (c *Camera) Initialized() bool {
	return c.initialized
}

// MaxSpeed returns the fastest speed to the camera in Mb/s, or 0 before
// Init.
func (c *Camera) MaxSpeed() int {
	if !c.initialized {
		return 0
	}
	return c.maxSpeed.Mbps()
}

func (c *Camera) hasFormat(f int) bool {
	return f >= 0 && f < 8 && c.inq.formats&(0x80000000>>uint(f)) != 0
}

func (c *Camera) hasMode(f, m int) bool {
	return c.hasFormat(f) && m >= 0 && m < 8 && c.inq.modes[f]&(0x80000000>>uint(m)) != 0
}

func (c *Camera) hasRate(f, m, r int) bool {
	if f == Format7 {
		return c.hasMode(f, m)
	}
	return c.hasMode(f, m) && f < len(c.inq.rates) && r >= 0 && r < 8 &&
		c.inq.rates[f][m]&(0x80000000>>uint(r)) != 0
}

// HasVideoFormat reports whether the camera supports format f.
func (c *Camera) HasVideoFormat(f int) bool {
	return c.initialized && c.hasFormat(f)
}

// HasVideoMode reports whether the camera supports mode m of format f.
func (c *Camera) HasVideoMode(f, m int) bool {
	return c.initialized && c.hasMode(f, m)
}

// HasVideoFrameRate reports whether the camera supports rate r in mode m of
// format f.
func (c *Camera) HasVideoFrameRate(f, m, r int) bool {
	return c.initialized && c.hasRate(f, m, r)
}

func (c *Camera) VideoSettings() VideoSettings {
	return c.video
}

// VideoMode returns the image geometry of the current settings.
func (c *Camera) VideoMode() VideoMode {
	return c.mode
}

// FrameSize returns the bytes of one frame in the current settings.
func (c *Camera) FrameSize() int {
	return c.geo.FrameSize
}

func (c *Camera) setVideo(op string, reg uint32, value int, valid bool) error {
	if !c.initialized {
		return errNotInitialized(op)
	}
	if c.eng.Armed() {
		glog.Errorf("%s: camera is busy, stop image acquisition first", op)
		return errBusy(op)
	}
	if !valid {
		glog.Errorf("%s: %d is not supported", op, value)
		return errOutOfRange(op, "%d not supported", value)
	}
	if err := c.regs.WriteQuadlet(reg, uint32(value)<<29); err != nil {
		return err
	}
	return c.readVideoSettings()
}

// SetVideoFormat selects a video format. The mode and rate registers keep
// their values and may need setting too.
func (c *Camera) SetVideoFormat(f int) error {
	return c.setVideo("SetVideoFormat", regCurrentFormat, f, c.hasFormat(f))
}

func (c *Camera) SetVideoMode(m int) error {
	return c.setVideo("SetVideoMode", regCurrentMode, m, c.hasMode(c.video.Format, m))
}

func (c *Camera) SetVideoFrameRate(r int) error {
	return c.setVideo("SetVideoFrameRate", regCurrentRate, r, c.video.Format != Format7 && c.hasRate(c.video.Format, c.video.Mode, r))
}

// CheckVideoSettings verifies that the camera supports the current format,
// mode and rate and that they describe a frame the host can stream.
func (c *Camera) CheckVideoSettings() error {
	v := c.video
	if !c.hasRate(v.Format, v.Mode, v.Rate) {
		return dcerr.New(dcerr.InvalidVideoSettings, "check video settings", fmt.Errorf("%v not supported by the camera", v))
	}
	if c.geo.FrameSize <= 0 || c.geo.BytesPerPacket <= 0 {
		return dcerr.New(dcerr.InvalidVideoSettings, "check video settings", fmt.Errorf("%v has no valid geometry", v))
	}
	return nil
}

// StartAcquisition arms the acquisition engine with buffers frame buffers.
// A negative timeout makes Acquire wait forever.
func (c *Camera) StartAcquisition(buffers int, timeout time.Duration, flags acquisition.Flags) error {
	return c.eng.Start(acquisition.Config{Buffers: buffers, Timeout: timeout, Flags: flags})
}

// StartAcquisitionConfig arms the acquisition engine with cfg.
func (c *Camera) StartAcquisitionConfig(cfg acquisition.Config) error {
	return c.eng.Start(cfg)
}

// StartAcquisitionDefault arms the engine with acquisition.DefaultConfig.
func (c *Camera) StartAcquisitionDefault() error {
	return c.eng.Start(acquisition.DefaultConfig())
}

// Acquire makes the next frame current, see acquisition.Engine.Acquire.
func (c *Camera) Acquire(dropStale bool) (int, error) {
	return c.eng.Acquire(dropStale)
}

// AcquireLatest skips every frame already queued and waits for the next one.
func (c *Camera) AcquireLatest() (int, error) {
	return c.eng.Acquire(true)
}

// StopAcquisition always succeeds.
func (c *Camera) StopAcquisition() error {
	return c.eng.Stop()
}

// Acquiring reports whether an acquisition session is running.
func (c *Camera) Acquiring() bool {
	return c.eng.Armed()
}

func (c *Camera) FrameEvent() *kernel.Event {
	return c.eng.FrameEvent()
}

func (c *Camera) RawFrame() ([]byte, bool) {
	return c.eng.RawFrame()
}

// Frame wraps the current frame as an image. The frame is valid until the
// next Acquire.
func (c *Camera) Frame() (frame.Frame, error) {
	buf, ok := c.eng.RawFrame()
	if !ok {
		return nil, dcerr.New(dcerr.NotInitialized, "frame", fmt.Errorf("no frame acquired"))
	}
	return frame.New(c.mode.Coding, c.mode.Width, c.mode.Height, buf, nil)
}

func (c *Camera) Stats() acquisition.Stats {
	return c.eng.Stats()
}

func (c *Camera) SessionID() uuid.UUID {
	return c.eng.SessionID()
}

// StartVideoStream turns on continuous transmission.
func (c *Camera) StartVideoStream() error {
	if err := c.regs.WriteQuadlet(regISOEnable, 0x80000000); err != nil {
		glog.Errorf("StartVideoStream: error on WriteQuadlet(0x614): %v", err)
		return err
	}
	return nil
}

func (c *Camera) StopVideoStream() error {
	if err := c.regs.WriteQuadlet(regISOEnable, 0); err != nil {
		glog.Errorf("StopVideoStream: error on WriteQuadlet(0x614): %v", err)
		return err
	}
	return nil
}

func (c *Camera) HasOneShot() bool {
	return c.initialized && c.inq.basic&basicOneShot != 0
}

// OneShot asks the camera to transmit exactly one frame.
func (c *Camera) OneShot() error {
	if !c.HasOneShot() {
		return dcerr.New(dcerr.Unsupported, "one shot", nil)
	}
	return c.regs.WriteQuadlet(regShot, 0x80000000)
}

func (c *Camera) HasMultiShot() bool {
	return c.initialized && c.inq.basic&basicMultiShot != 0
}

// MultiShot asks the camera to transmit count frames. Zero stops a running
// multi-shot.
func (c *Camera) MultiShot(count uint16) error {
	if !c.HasMultiShot() {
		return dcerr.New(dcerr.Unsupported, "multi shot", nil)
	}
	v := uint32(count)
	if count != 0 {
		v |= 0x40000000
	}
	glog.V(1).Infof("MultiShot: writing 0x%08x to 0x61C", v)
	return c.regs.WriteQuadlet(regShot, v)
}

func (c *Camera) HasPowerControl() bool {
	return c.initialized && c.inq.basic&basicPower != 0
}

// StatusPowerControl reports whether the camera is powered on, as of the
// last read.
func (c *Camera) StatusPowerControl() bool {
	return c.initialized && c.inq.power&0x80000000 != 0
}

func (c *Camera) SetPowerControl(on bool) error {
	if !c.HasPowerControl() {
		return dcerr.New(dcerr.Unsupported, "power control", nil)
	}
	var v uint32
	if on {
		v = 0x80000000
	}
	if err := c.regs.WriteQuadlet(regPower, v); err != nil {
		return err
	}
	p, err := c.regs.ReadQuadlet(regPower)
	if err == nil {
		c.inq.power = p
	}
	return nil
}

func (c *Camera) Has1394b() bool {
	return c.initialized && c.inq.basic&basic1394b != 0
}

// Status1394b reports whether the camera runs in 1394b mode.
func (c *Camera) Status1394b() bool {
	if !c.Has1394b() {
		return false
	}
	v, err := c.regs.ReadQuadlet(regISOChannel)
	return err == nil && v&iso1394b != 0
}

// Set1394b switches 1394b operation and re-initializes the camera, since
// the other settings may change with it.
func (c *Camera) Set1394b(on bool) error {
	if c.eng.Armed() {
		return errBusy("set 1394b")
	}
	if !c.Has1394b() {
		return dcerr.New(dcerr.Unsupported, "set 1394b", nil)
	}
	v, err := c.regs.ReadQuadlet(regISOChannel)
	if err != nil {
		return err
	}
	if on {
		v |= iso1394b
	} else {
		v &^= iso1394b
	}
	if err := c.regs.WriteQuadlet(regISOChannel, v); err != nil {
		return err
	}
	return c.Init(false)
}

// WaitAny blocks until one of cams has a frame ready and returns its index.
// Cameras without a pending buffer are skipped.
func WaitAny(cams []*Camera, timeout time.Duration) (int, error) {
	events := make([]*kernel.Event, len(cams))
	valid := 0
	for i, c := range cams {
		if c != nil {
			events[i] = c.FrameEvent()
		}
		if events[i] != nil {
			valid++
		}
	}
	if valid == 0 {
		return -1, dcerr.New(dcerr.NotInitialized, "wait any", fmt.Errorf("no camera has a pending buffer"))
	}
	i, res, err := kernel.WaitAny(events, timeout)
	if err != nil {
		return -1, dcerr.IO("wait any", err)
	}
	if res == kernel.TimedOut {
		return -1, dcerr.New(dcerr.FrameTimeout, "wait any", nil)
	}
	return i, nil
}

// controller exposes the camera to the acquisition engine.
type controller struct {
	c *Camera
}

func (ct controller) Initialized() bool { return ct.c.initialized }
func (ct controller) CheckVideoSettings() error { return ct.c.CheckVideoSettings() }
func (ct controller) Geometry() acquisition.Geometry { return ct.c.geo }
func (ct controller) MaxSpeed() kernel.Speed { return ct.c.maxSpeed }
func (ct controller) StartVideoStream() error { return ct.c.StartVideoStream() }
func (ct controller) StopVideoStream() error { return ct.c.StopVideoStream() }
