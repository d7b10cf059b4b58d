/*
Package proxy implements the host-side shim: the thing that masquerades
as the PCI device to the hypervisor, trapping config-space and BAR
accesses and translating them into link.Message round trips with the
worker. One underlying synchronous round trip (sendAndWait) is wrapped
by typed convenience methods for each kind of guest access.
*/
package proxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/swapnili/qemu-oracle/link"
)

// ConfigSpaceExpSize is PCI_CFG_SPACE_EXP_SIZE.
const ConfigSpaceExpSize = 4096

// State is the proxy device's lifecycle state:
// unrealized -> forked -> connected -> ready -> (closing) -> gone.
type State int

const (
	StateUnrealized State = iota
	StateForked
	StateConnected
	StateReady
	StateClosing
	StateGone
)

func (s State) String() string {
	switch s {
	case StateUnrealized:
		return "unrealized"
	case StateForked:
		return "forked"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Region describes one BAR the concrete proxy device registers: its base
// guest address, size, and the access-size bounds the region enforces.
type Region struct {
	Base      uint64
	Size      uint64
	MinAccess int
	MaxAccess int
	Memory    bool // true for an MMIO window, false for I/O port space
}

// Device is the proxy-side handle for one remote device: it owns the
// channel, a local config-space shadow, and the BAR regions registered
// at realize time.
type Device struct {
	mu      sync.Mutex
	state   State
	ch      *link.Channel
	config  [ConfigSpaceExpSize]byte
	regions [6]Region

	// Release/Reacquire bracket every synchronous wait so the caller's
	// big lock is never held across poll. Tests and devicemodel wiring
	// supply no-ops; hypervisor integration wires the real lock here.
	Release   func()
	Reacquire func()

	// OnGone is invoked once, from Watch, when the channel hangs up or
	// errors: the host's cue to request a guest shutdown for this
	// device.
	OnGone func(err error)
}

// NewDevice constructs an unrealized proxy device. Realize must be called
// once the worker's channel is available.
func NewDevice() *Device {
	return &Device{state: StateUnrealized, Release: func() {}, Reacquire: func() {}}
}

// State returns the device's current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Realize transitions unrealized -> forked -> connected -> ready, binds
// ch as the device's channel, and registers the given BAR regions. It
// does not itself fork the worker (lifecycle.Start already did that);
// "forked" here marks the handle taking ownership of an already-started
// worker's channel.
func (d *Device) Realize(ch *link.Channel, regions [6]Region) error {
	d.mu.Lock()
	if d.state != StateUnrealized {
		d.mu.Unlock()
		return fmt.Errorf("proxy: Realize called in state %v", d.state)
	}
	d.state = StateForked
	d.ch = ch
	d.regions = regions
	d.mu.Unlock()

	d.setState(StateConnected)
	d.setState(StateReady)
	return nil
}

func (d *Device) channel() (*link.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateReady {
		return nil, fmt.Errorf("proxy: device not ready (state %v)", d.state)
	}
	return d.ch, nil
}

// sendAndWait brackets the channel round trip with Release/Reacquire so a
// caller's global lock is never held across the blocking wait.
func (d *Device) sendAndWait(ctx context.Context, msg *link.Message) (uint64, error) {
	ch, err := d.channel()
	if err != nil {
		return 0, err
	}
	d.Release()
	defer d.Reacquire()
	return ch.SendAndWait(ctx, msg)
}

// ConfigRead sends CONF_READ and blocks for the reply, also updating the
// local shadow with what the worker reports.
func (d *Device) ConfigRead(ctx context.Context, addr uint32, length int) (uint32, error) {
	msg := link.NewMessage(link.CmdConfRead)
	msg.SetConfData(link.ConfData{Addr: addr, Len: int32(length)})
	val, err := d.sendAndWait(ctx, msg)
	if err != nil {
		return 0, err
	}
	d.storeShadow(addr, uint32(val), length)
	return uint32(val), nil
}

// ConfigWrite sends CONF_WRITE fire-and-forget and updates the shadow
// immediately. Writes never block the calling vCPU thread; a subsequent
// read on the same channel observes their effect at the worker.
func (d *Device) ConfigWrite(addr uint32, val uint32, length int) error {
	ch, err := d.channel()
	if err != nil {
		return err
	}
	d.storeShadow(addr, val, length)
	msg := link.NewMessage(link.CmdConfWrite)
	msg.SetConfData(link.ConfData{Addr: addr, Val: val, Len: int32(length)})
	return ch.Send(msg)
}

func (d *Device) storeShadow(addr uint32, val uint32, length int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < length && int(addr)+i < len(d.config); i++ {
		d.config[int(addr)+i] = byte(val >> (8 * i))
	}
}

// Shadow returns the local config-space shadow's current value at addr,
// without talking to the worker, for monitor listings and tests.
func (d *Device) Shadow(addr uint32, length int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var v uint32
	for i := 0; i < length && int(addr)+i < len(d.config); i++ {
		v |= uint32(d.config[int(addr)+i]) << (8 * i)
	}
	return v
}

// BARRead sends a BAR_READ for the given region and offset and blocks for
// the reply. The size is clamped to the region's min/max access size
// bounds.
func (d *Device) BARRead(ctx context.Context, region int, offset uint64, size int) (uint64, error) {
	r, err := d.regionAt(region)
	if err != nil {
		return 0, err
	}
	size = clampAccessSize(r, size)
	msg := link.NewMessage(link.CmdBarRead)
	msg.SetBarAccess(link.BarAccess{Addr: r.Base + offset, Size: uint32(size), Memory: r.Memory})
	return d.sendAndWait(ctx, msg)
}

// BARWrite sends a BAR_WRITE fire-and-forget for the given region/offset.
func (d *Device) BARWrite(region int, offset uint64, val uint64, size int) error {
	r, err := d.regionAt(region)
	if err != nil {
		return err
	}
	size = clampAccessSize(r, size)
	ch, err := d.channel()
	if err != nil {
		return err
	}
	msg := link.NewMessage(link.CmdBarWrite)
	msg.SetBarAccess(link.BarAccess{Addr: r.Base + offset, Val: val, Size: uint32(size), Memory: r.Memory})
	return ch.Send(msg)
}

func (d *Device) regionAt(i int) (Region, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.regions) {
		return Region{}, fmt.Errorf("proxy: region index %d out of range", i)
	}
	r := d.regions[i]
	if r.Size == 0 {
		return Region{}, fmt.Errorf("proxy: region %d not registered", i)
	}
	return r, nil
}

func clampAccessSize(r Region, size int) int {
	if r.MinAccess > 0 && size < r.MinAccess {
		return r.MinAccess
	}
	if r.MaxAccess > 0 && size > r.MaxAccess {
		return r.MaxAccess
	}
	return size
}

// SetIRQFD sends SET_IRQFD with an eventfd the worker will write to in
// order to raise interrupt line intx. Called once at realize time;
// interrupt delivery afterward bypasses the command socket entirely,
// the worker writes directly to fd.
func (d *Device) SetIRQFD(fd int, intx int32) error {
	ch, err := d.channel()
	if err != nil {
		return err
	}
	msg := link.NewMessage(link.CmdSetIRQFD)
	msg.SetSetIRQFD(link.SetIRQFD{Intx: intx})
	msg.FDs[0] = fd
	msg.NumFDs = 1
	return ch.Send(msg)
}

// Reset sends DEVICE_RESET and waits for the optional reply.
func (d *Device) Reset(ctx context.Context) error {
	msg := link.NewMessage(link.CmdDeviceReset)
	_, err := d.sendAndWait(ctx, msg)
	return err
}

// Info sends GET_PCI_INFO and decodes the ticket's packed reply.
func (d *Device) Info(ctx context.Context) (vendor, device uint16, numRegions uint32, err error) {
	msg := link.NewMessage(link.CmdGetPCIInfo)
	val, err := d.sendAndWait(ctx, msg)
	if err != nil {
		return 0, 0, 0, err
	}
	vendor, device, numRegions = link.DecodePCIInfo(val)
	return vendor, device, numRegions, nil
}

// Watch drives the async side of the state machine: it blocks in
// Channel.Wait until the channel hangs up or errors, then
// transitions to gone and invokes OnGone. Intended to run in its own
// goroutine for the lifetime of a realized device; returns when the
// channel goes away or ctx is cancelled.
func (d *Device) Watch(ctx context.Context) {
	ch, err := d.channel()
	if err != nil {
		return
	}
	stop := context.AfterFunc(ctx, ch.Wake)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, hangup, errored, woken, werr := ch.Wait()
		if woken {
			return
		}
		if werr != nil {
			d.setState(StateGone)
			if d.OnGone != nil {
				d.OnGone(werr)
			}
			return
		}
		if hangup || errored {
			d.setState(StateGone)
			if d.OnGone != nil {
				var reportErr error
				if errored {
					reportErr = fmt.Errorf("proxy: channel error condition")
				} else {
					reportErr = fmt.Errorf("proxy: worker hung up")
				}
				d.OnGone(reportErr)
			}
			return
		}
	}
}

// Close transitions the device to closing then gone and closes the
// channel, waking any Watch goroutine blocked in Wait.
func (d *Device) Close() error {
	d.setState(StateClosing)
	d.mu.Lock()
	ch := d.ch
	d.mu.Unlock()
	d.setState(StateGone)
	if ch != nil {
		return ch.Close()
	}
	return nil
}
