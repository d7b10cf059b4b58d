/*
Package registry implements the host's control surface for remote
devices: a process-wide mapping from a device id to a proxy device
handle, mutated only by rdevice-add/rdevice-del/rdrive-add and read by
query-remote / info remote listings. The table is an explicit struct
rather than a package global; a host wires up exactly one instance.
*/
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/swapnili/qemu-oracle/link"
	"github.com/swapnili/qemu-oracle/proxy"
)

// Handle is everything the registry and the monitor surface need to know
// about one remote device.
type Handle struct {
	Device      *proxy.Device
	WorkerPID   int
	CommandName string
	RemoteID    string // rdev_id: the id this handle was registered under
	ID          string // id: the guest-visible device id from DEVICE_ADD
}

// Registry is the process-wide remote-device table. Normally driven only
// from the host main loop, but guarded by a mutex since cmd/mpctl and
// tests may drive it from more than one goroutine.
type Registry struct {
	mu      sync.Mutex
	byRdev  map[string]*Handle
	byID    map[string]*Handle
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byRdev: map[string]*Handle{}, byID: map[string]*Handle{}}
}

// Add registers handle under rdevID, the first half of rdevice-add. A
// second call to SetDeviceID associates the handle with its
// guest-visible id once DEVICE_ADD succeeds.
func (r *Registry) Add(rdevID string, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byRdev[rdevID]; exists {
		return fmt.Errorf("registry: rdev id %q already registered", rdevID)
	}
	h.RemoteID = rdevID
	r.byRdev[rdevID] = h
	return nil
}

// SetDeviceID associates the handle registered under rdevID with its
// guest-visible device id, completing rdevice-add.
func (r *Registry) SetDeviceID(rdevID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byRdev[rdevID]
	if !ok {
		return fmt.Errorf("registry: unknown rdev id %q", rdevID)
	}
	h.ID = id
	r.byID[id] = h
	return nil
}

// Remove deletes the handle registered under rdevID from both indexes,
// for rdevice-del.
func (r *Registry) Remove(rdevID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byRdev[rdevID]
	if !ok {
		return nil, fmt.Errorf("registry: unknown rdev id %q", rdevID)
	}
	delete(r.byRdev, rdevID)
	if h.ID != "" {
		delete(r.byID, h.ID)
	}
	return h, nil
}

// Lookup returns the handle registered under rdevID.
func (r *Registry) Lookup(rdevID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byRdev[rdevID]
	return h, ok
}

// Tuple is the (pid, rid, id, command) shape query-remote / info remote
// produce.
type Tuple struct {
	PID     int    `json:"pid"`
	RID     string `json:"rid"`
	ID      string `json:"id"`
	Command string `json:"command"`
}

// List enumerates the registry for query-remote / info remote, sorted by
// rdev id for deterministic output.
func (r *Registry) List() []Tuple {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Tuple, 0, len(r.byRdev))
	for rid, h := range r.byRdev {
		out = append(out, Tuple{PID: h.WorkerPID, RID: rid, ID: h.ID, Command: h.CommandName})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].RID < out[j-1].RID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// DeviceAddOptions is the JSON option dictionary sent as DEVICE_ADD's
// bytestream payload, standing in for the surrounding hypervisor's
// monitor option dictionary.
type DeviceAddOptions struct {
	ID     string            `json:"id"`
	Driver string            `json:"driver,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// RDeviceAdd implements the rdevice-add command: register h under
// rdevID, send DEVICE_ADD to the worker, and on success record the
// resulting device id in the registry.
func (r *Registry) RDeviceAdd(ctx context.Context, ch *link.Channel, rdevID string, h *Handle, opts DeviceAddOptions) error {
	if err := r.Add(rdevID, h); err != nil {
		return err
	}
	payload, err := json.Marshal(opts)
	if err != nil {
		return err
	}
	msg := link.NewMessage(link.CmdDeviceAdd)
	msg.Data2 = payload
	msg.Size = len(payload)
	if _, err := ch.SendAndWait(ctx, msg); err != nil {
		r.Remove(rdevID)
		return fmt.Errorf("rdevice-add %q: %w", rdevID, err)
	}
	return r.SetDeviceID(rdevID, opts.ID)
}

// RDeviceDel implements rdevice-del: send DEVICE_DEL, then remove rdevID
// from the registry regardless of the worker's reply (the handle's
// channel is going away either way).
func (r *Registry) RDeviceDel(ctx context.Context, ch *link.Channel, rdevID string) error {
	h, ok := r.Lookup(rdevID)
	if !ok {
		return fmt.Errorf("registry: unknown rdev id %q", rdevID)
	}
	msg := link.NewMessage(link.CmdDeviceDel)
	payload, _ := json.Marshal(map[string]string{"id": h.ID})
	msg.Data2 = payload
	msg.Size = len(payload)
	_, sendErr := ch.SendAndWait(ctx, msg)
	if _, err := r.Remove(rdevID); err != nil {
		return err
	}
	return sendErr
}

// Connect associates the handle registered under rdevID with the device
// id before DEVICE_ADD, sending CONNECT_DEV with the id string as the
// bytestream payload and waiting for the worker's status. The channel
// already exists; the worker just needs to know which device it now
// speaks for.
func (r *Registry) Connect(ctx context.Context, ch *link.Channel, rdevID, id string) error {
	h, ok := r.Lookup(rdevID)
	if !ok {
		return fmt.Errorf("registry: unknown rdev id %q", rdevID)
	}
	msg := link.NewMessage(link.CmdConnectDev)
	msg.Data2 = []byte(id)
	msg.Size = len(msg.Data2)
	if _, err := ch.SendAndWait(ctx, msg); err != nil {
		return fmt.Errorf("connect %q: %w", id, err)
	}
	h.ID = id
	r.mu.Lock()
	r.byID[id] = h
	r.mu.Unlock()
	return nil
}

// RDriveAdd implements rdrive-add: send DRIVE_ADD with
// "<opts>,id=<id>" and, on success, associate id in the registry.
func (r *Registry) RDriveAdd(ctx context.Context, ch *link.Channel, rdevID, opts, id string) error {
	h, ok := r.Lookup(rdevID)
	if !ok {
		return fmt.Errorf("registry: unknown rdev id %q", rdevID)
	}
	payload := []byte(fmt.Sprintf("%s,id=%s", opts, id))
	msg := link.NewMessage(link.CmdDriveAdd)
	msg.Data2 = payload
	msg.Size = len(payload)
	if _, err := ch.SendAndWait(ctx, msg); err != nil {
		return fmt.Errorf("rdrive-add %q: %w", id, err)
	}
	r.mu.Lock()
	r.byID[id] = h
	r.mu.Unlock()
	return nil
}
