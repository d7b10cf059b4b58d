package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/swapnili/qemu-oracle/link"
	"github.com/swapnili/qemu-oracle/proxy"
	"github.com/swapnili/qemu-oracle/worker"
)

var errDeviceAddFailed = errors.New("simulated DEVICE_ADD failure")

func TestAddRemoveLookup(t *testing.T) {
	r := New()
	h := &Handle{WorkerPID: 123, CommandName: "mpworker"}
	if err := r.Add("rdev0", h); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add("rdev0", h); err == nil {
		t.Fatal("expected duplicate rdev id to fail")
	}
	if got, ok := r.Lookup("rdev0"); !ok || got != h {
		t.Fatal("lookup did not return the registered handle")
	}
	if err := r.SetDeviceID("rdev0", "dev0"); err != nil {
		t.Fatalf("set device id: %v", err)
	}
	removed, err := r.Remove("rdev0")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed != h {
		t.Fatal("remove returned the wrong handle")
	}
	if _, ok := r.Lookup("rdev0"); ok {
		t.Fatal("handle still present after remove")
	}
}

func TestListSortedByRID(t *testing.T) {
	r := New()
	r.Add("rdev-b", &Handle{WorkerPID: 2, CommandName: "mpworker"})
	r.Add("rdev-a", &Handle{WorkerPID: 1, CommandName: "mpworker"})
	r.SetDeviceID("rdev-a", "dev-a")
	r.SetDeviceID("rdev-b", "dev-b")

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("got %d tuples, want 2", len(list))
	}
	if list[0].RID != "rdev-a" || list[1].RID != "rdev-b" {
		t.Fatalf("not sorted: %+v", list)
	}
}

func TestRDeviceAddDelEndToEnd(t *testing.T) {
	hostEnd, workerEnd, err := link.Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer hostEnd.Close()

	var added, deleted bool
	hooks := worker.AdminHooks{
		DeviceAdd: func(opts []byte) error { added = true; return nil },
		DeviceDel: func(opts []byte) error { deleted = true; return nil },
	}
	l := worker.New(workerEnd, nil, hooks, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	r := New()
	pd := proxy.NewDevice()
	h := &Handle{Device: pd, WorkerPID: 42, CommandName: "mpworker"}

	if err := r.RDeviceAdd(context.Background(), hostEnd, "rdev0", h, DeviceAddOptions{ID: "dev0", Driver: "proxy"}); err != nil {
		t.Fatalf("rdevice-add: %v", err)
	}
	if !added {
		t.Fatal("worker DeviceAdd hook was not invoked")
	}
	if got, ok := r.Lookup("rdev0"); !ok || got.ID != "dev0" {
		t.Fatalf("registry not updated: %+v", got)
	}

	if err := r.RDeviceDel(context.Background(), hostEnd, "rdev0"); err != nil {
		t.Fatalf("rdevice-del: %v", err)
	}
	if !deleted {
		t.Fatal("worker DeviceDel hook was not invoked")
	}
	if _, ok := r.Lookup("rdev0"); ok {
		t.Fatal("handle still registered after rdevice-del")
	}
}

func TestConnectAndDriveAdd(t *testing.T) {
	hostEnd, workerEnd, err := link.Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer hostEnd.Close()

	var connectedID, driveOpts string
	hooks := worker.AdminHooks{
		ConnectDev: func(id []byte) error { connectedID = string(id); return nil },
		DriveAdd:   func(opts []byte) error { driveOpts = string(opts); return nil },
	}
	l := worker.New(workerEnd, nil, hooks, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	r := New()
	h := &Handle{WorkerPID: 7, CommandName: "mpworker"}
	if err := r.Add("rdev0", h); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := r.Connect(context.Background(), hostEnd, "rdev0", "dev0"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if connectedID != "dev0" {
		t.Fatalf("worker ConnectDev hook got %q", connectedID)
	}
	if got, ok := r.Lookup("rdev0"); !ok || got.ID != "dev0" {
		t.Fatalf("registry not updated after connect: %+v", got)
	}

	if err := r.RDriveAdd(context.Background(), hostEnd, "rdev0", "file=disk.img,format=raw", "drive0"); err != nil {
		t.Fatalf("rdrive-add: %v", err)
	}
	if driveOpts != "file=disk.img,format=raw,id=drive0" {
		t.Fatalf("worker DriveAdd hook got %q", driveOpts)
	}
}

func TestRDeviceAddFailureDoesNotRegister(t *testing.T) {
	hostEnd, workerEnd, err := link.Socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer hostEnd.Close()

	hooks := worker.AdminHooks{
		DeviceAdd: func(opts []byte) error { return errDeviceAddFailed },
	}
	l := worker.New(workerEnd, nil, hooks, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	r := New()
	h := &Handle{WorkerPID: 1, CommandName: "mpworker"}
	err = r.RDeviceAdd(context.Background(), hostEnd, "rdev0", h, DeviceAddOptions{ID: "dev0"})
	if err == nil {
		t.Fatal("expected rdevice-add to fail")
	}
	if _, ok := r.Lookup("rdev0"); ok {
		t.Fatal("handle should not remain registered after a failed add")
	}
}
