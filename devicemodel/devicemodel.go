/*
Package devicemodel provides a tiny in-process PCI device: a config space
and a single MMIO BAR. It stands in for the device-specific emulators a
production worker would load, so worker.Loop and proxy.Device have a
real device to drive in tests and in cmd/mpworker.
*/
package devicemodel

import "sync"

// ConfigSpaceSize is the extended PCI config space size the model honors,
// matching proxy.ConfigSpaceExpSize (PCI_CFG_SPACE_EXP_SIZE).
const ConfigSpaceSize = 4096

// BARSize is the size in bytes of the model's single MMIO region.
const BARSize = 4096

// Vendor/Device IDs reported by Info, arbitrary but stable for tests.
const (
	VendorID = 0x1b36 // the real PCI vendor id QEMU's own devices use
	DeviceID = 0x0001
)

// Device is a minimal PCI device: a byte-addressable config space and one
// MMIO BAR, both guarded by a single mutex since only one goroutine (the
// worker dispatch loop) ever touches a Device, with the lock existing only
// to satisfy Reset/Resets being callable concurrently from tests.
type Device struct {
	mu     sync.Mutex
	config [ConfigSpaceSize]byte
	bar    [BARSize]byte
	resets int
}

// New returns a freshly reset device with vendor/device id already written
// into the standard config-space offsets (0x00, 0x02).
func New() *Device {
	d := &Device{}
	d.reset()
	return d
}

func (d *Device) reset() {
	for i := range d.config {
		d.config[i] = 0
	}
	for i := range d.bar {
		d.bar[i] = 0
	}
	d.config[0] = byte(VendorID & 0xFF)
	d.config[1] = byte(VendorID >> 8)
	d.config[2] = byte(DeviceID)
	d.config[3] = byte(DeviceID >> 8)
}

// Reset restores config space and the BAR to their power-on state.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
	d.resets++
}

// Resets reports how many times Reset has been called, for tests.
func (d *Device) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// ConfigRead reads len (1, 2, or 4) bytes at addr from config space; bytes
// beyond the fourth do not fit the uint32 result and are dropped.
// Out-of-range reads (addr+len > ConfigSpaceSize) are the caller's
// responsibility to reject before calling; ConfigRead itself assumes a
// validated range.
func (d *Device) ConfigRead(addr uint32, length int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var v uint32
	for i := 0; i < length; i++ {
		v |= uint32(d.config[int(addr)+i]) << (8 * i)
	}
	return v
}

// ConfigWrite writes len bytes of val at addr in config space.
func (d *Device) ConfigWrite(addr uint32, val uint32, length int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < length; i++ {
		d.config[int(addr)+i] = byte(val >> (8 * i))
	}
}

// BARRead reads size bytes at offset off within the MMIO BAR. Bytes past
// the end of the region read as zero; the offset arrives straight off the
// wire, so it is not trusted.
func (d *Device) BARRead(off uint64, size int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var v uint64
	for i := 0; i < size; i++ {
		if off+uint64(i) >= BARSize {
			break
		}
		v |= uint64(d.bar[off+uint64(i)]) << (8 * i)
	}
	return v
}

// BARWrite writes size bytes of val at offset off within the MMIO BAR.
// Bytes past the end of the region are discarded.
func (d *Device) BARWrite(off uint64, val uint64, size int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < size; i++ {
		if off+uint64(i) >= BARSize {
			break
		}
		d.bar[off+uint64(i)] = byte(val >> (8 * i))
	}
}

// Info reports the static identity the GET_PCI_INFO reply carries.
func (d *Device) Info() (vendor, device uint16, numRegions uint32) {
	return VendorID, DeviceID, 1
}
