package main

import (
	"context"

	"github.com/swapnili/qemu-oracle/lifecycle"
	"github.com/swapnili/qemu-oracle/proxy"
	"github.com/swapnili/qemu-oracle/registry"
)

// session is one mpctl run: a started worker, a registry holding exactly
// the one handle this invocation registered, and the proxy device handle
// itself.
type session struct {
	worker *lifecycle.Worker
	reg    *registry.Registry
	handle *registry.Handle
	opts   CLIOptions
}

func newSession(opts CLIOptions) (*session, error) {
	w, err := lifecycle.Start(opts.WorkerCmd)
	if err != nil {
		return nil, err
	}

	pd := proxy.NewDevice()
	if err := pd.Realize(w.Channel, [6]proxy.Region{}); err != nil {
		w.Kill()
		return nil, err
	}

	reg := registry.New()
	h := &registry.Handle{Device: pd, WorkerPID: w.PID, CommandName: opts.WorkerCmd}

	addOpts := registry.DeviceAddOptions{ID: opts.ID, Driver: opts.Driver}
	if err := reg.RDeviceAdd(context.Background(), w.Channel, opts.RdevID, h, addOpts); err != nil {
		w.Kill()
		return nil, err
	}

	return &session{worker: w, reg: reg, handle: h, opts: opts}, nil
}

func (s *session) close() {
	if _, ok := s.reg.Lookup(s.opts.RdevID); ok {
		s.reg.RDeviceDel(context.Background(), s.worker.Channel, s.opts.RdevID)
	}
	s.worker.Stop()
}
