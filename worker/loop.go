/*
Package worker implements the single-threaded dispatch loop that runs
inside the remote device process: it receives messages over a
link.Channel, invokes handlers for config/BAR/reset/info/irqfd access,
and replies through the event-fd ticket carried in the request's first
ancillary fd.

The current device and channel are fields on Loop, not package-level
globals, so a test can run several loops in one process.
*/
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/swapnili/qemu-oracle/link"
	"golang.org/x/sys/unix"
)

// Model is the capability interface the dispatch loop needs from the one
// device instance a worker process hosts. Concrete device emulators
// implement it; the loop never sees anything device-specific beyond it.
type Model interface {
	ConfigRead(addr uint32, length int) uint32
	ConfigWrite(addr uint32, val uint32, length int)
	BARRead(offset uint64, size int) uint64
	BARWrite(offset uint64, val uint64, size int)
	Reset()
	Info() (vendor, device uint16, numRegions uint32)
}

// ConfigSpaceExpSize is PCI_CFG_SPACE_EXP_SIZE: the clamp for config
// addresses. Reads/writes at or beyond this offset never touch the
// device and, for reads, reply with the MaxUint64 sentinel.
const ConfigSpaceExpSize = 4096

// AdminHooks lets a worker process participate in the control surface
// without the dispatch loop needing to know about JSON option parsing
// or the surrounding hypervisor's device-add machinery. Each hook
// returns an error to signal failure, which the
// loop reports back as a remote fault on the requester's ticket. A nil
// hook always succeeds.
type AdminHooks struct {
	DeviceAdd  func(opts []byte) error
	DeviceDel  func(opts []byte) error
	DriveAdd   func(opts []byte) error
	ConnectDev func(id []byte) error
}

// Loop is the worker-side dispatch context: one channel, one device
// model, one set of admin hooks. Exactly one Loop runs per worker
// process; the device's lifetime equals the process's lifetime.
type Loop struct {
	Device Model
	Chan   *link.Channel
	Hooks  AdminHooks
	Mem    *MemoryTable

	mu    sync.Mutex // guards irqfd, read from outside the loop goroutine
	irqfd int
	log   *log.Logger
}

// New builds a dispatch loop over an already-connected channel and device
// model. logger may be nil, in which case log.Default() is used.
func New(ch *link.Channel, device Model, hooks AdminHooks, logger *log.Logger) *Loop {
	if logger == nil {
		logger = log.Default()
	}
	return &Loop{Device: device, Chan: ch, Hooks: hooks, Mem: NewMemoryTable(), irqfd: -1, log: logger}
}

// Run drives the dispatch loop until the channel hangs up, errors, or ctx
// is cancelled. A hang-up is treated as an orderly shutdown request and
// returned as a nil error; any other channel failure is returned to the
// caller.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.Chan.Wake)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		readable, hangup, errored, woken, err := l.Chan.Wait()
		if err != nil {
			return err
		}
		if woken {
			continue
		}
		if hangup {
			l.log.Printf("worker: channel hang-up, shutting down")
			return nil
		}
		if errored {
			l.log.Printf("worker: channel error condition")
			return fmt.Errorf("worker: channel reported an error condition")
		}
		if !readable {
			continue
		}

		msg, err := l.Chan.Recv()
		if err != nil {
			if lerr, ok := err.(*link.Error); ok && (lerr.Kind == link.ErrHangup) {
				l.log.Printf("worker: peer hung up mid-receive, shutting down")
				return nil
			}
			return err
		}

		if verr := msg.Validate(); verr != nil {
			l.log.Printf("worker: dropping invalid message: %v", verr)
			continue
		}

		l.dispatch(msg)
	}
}

// IRQFD returns the eventfd SET_IRQFD last registered, or -1 if none has
// been set yet.
func (l *Loop) IRQFD() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.irqfd
}

// RaiseIRQ writes to the registered irqfd, the same action the device
// model takes to signal an interrupt. Once SET_IRQFD has run, interrupt
// delivery bypasses the command socket entirely.
func (l *Loop) RaiseIRQ() error {
	fd := l.IRQFD()
	if fd < 0 {
		return fmt.Errorf("worker: no irqfd registered")
	}
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(fd, buf[:])
	return err
}

func (l *Loop) dispatch(msg *link.Message) {
	switch msg.Cmd {
	case link.CmdInit:
		l.replyOptional(msg, 0)

	case link.CmdConfRead:
		c := msg.ConfDataVal()
		if c.Addr >= ConfigSpaceExpSize || c.Addr+uint32(c.Len) > ConfigSpaceExpSize {
			l.notifyFault(msg)
			return
		}
		val := l.Device.ConfigRead(c.Addr, int(c.Len))
		l.notify(msg, uint64(val))

	case link.CmdConfWrite:
		c := msg.ConfDataVal()
		if c.Addr >= ConfigSpaceExpSize || c.Addr+uint32(c.Len) > ConfigSpaceExpSize {
			return
		}
		l.Device.ConfigWrite(c.Addr, c.Val, int(c.Len))

	case link.CmdBarRead:
		b := msg.BarAccessData()
		val := l.Device.BARRead(b.Addr, int(b.Size))
		l.notify(msg, val)

	case link.CmdBarWrite:
		b := msg.BarAccessData()
		l.Device.BARWrite(b.Addr, b.Val, int(b.Size))

	case link.CmdSyncSysmem:
		s := msg.SyncSysmemVal()
		l.Mem.Bind(s, msg.FDs[:msg.NumFDs])

	case link.CmdSetIRQFD:
		// devicemodel has a single interrupt line, so Intx (the pin
		// number) isn't tracked beyond validating the message shape.
		if msg.NumFDs == 1 {
			l.mu.Lock()
			l.irqfd = msg.FDs[0]
			l.mu.Unlock()
		}

	case link.CmdGetPCIInfo:
		vendor, device, regions := l.Device.Info()
		l.notify(msg, link.EncodePCIInfo(vendor, device, regions))

	case link.CmdDeviceReset:
		l.Device.Reset()
		l.replyOptional(msg, 0)

	case link.CmdDeviceAdd:
		l.runHook(msg, l.Hooks.DeviceAdd)
	case link.CmdDeviceDel:
		l.runHook(msg, l.Hooks.DeviceDel)
	case link.CmdDriveAdd:
		l.runHook(msg, l.Hooks.DriveAdd)
	case link.CmdConnectDev:
		l.runHook(msg, l.Hooks.ConnectDev)

	case link.CmdRetMsg:
		// Reserved for wire compatibility; never sent by this
		// implementation (see link.CmdRetMsg doc comment) and never
		// expected as an incoming request either.
		l.log.Printf("worker: unexpected RET_MSG received, ignoring")

	default:
		l.log.Printf("worker: unknown command %v, dropping", msg.Cmd)
	}
}

// runHook invokes hook with the bytestream payload and replies success/
// failure through the ticket, for the admin commands DEVICE_ADD,
// DEVICE_DEL, DRIVE_ADD and CONNECT_DEV.
func (l *Loop) runHook(msg *link.Message, hook func([]byte) error) {
	if msg.NumFDs != 1 {
		return
	}
	ticket := msg.FDs[0]
	if hook == nil {
		link.Notify(ticket, 0)
		return
	}
	if err := hook(msg.Data2); err != nil {
		l.log.Printf("worker: %v handler failed: %v", msg.Cmd, err)
		link.NotifyFault(ticket)
		return
	}
	link.Notify(ticket, 0)
}

// notify sends val through the ticket carried as the request's sole
// ancillary fd. Used by commands that always reply.
func (l *Loop) notify(msg *link.Message, val uint64) {
	if msg.NumFDs != 1 {
		l.log.Printf("worker: %v missing reply ticket", msg.Cmd)
		return
	}
	if err := link.Notify(msg.FDs[0], val); err != nil {
		l.log.Printf("worker: notify failed: %v", err)
	}
}

// notifyFault signals UINT64_MAX through the ticket, the in-band
// encoding for semantic errors such as out-of-range config accesses.
func (l *Loop) notifyFault(msg *link.Message) {
	if msg.NumFDs != 1 {
		return
	}
	if err := link.NotifyFault(msg.FDs[0]); err != nil {
		l.log.Printf("worker: notifyFault failed: %v", err)
	}
}

// replyOptional notifies the ticket only if the request carried one. INIT
// and DEVICE_RESET may be sent either fire-and-forget or with a ticket.
func (l *Loop) replyOptional(msg *link.Message, val uint64) {
	if msg.NumFDs != 1 {
		return
	}
	l.notify(msg, val)
}
