/*
Command mpworker is the remote device process entrypoint. It treats
stdin as its control channel (the worker's end of the socketpair
lifecycle.Start wires up across the fork/exec boundary), hosts exactly
one devicemodel.Device, and runs the dispatch loop until the channel
hangs up or the process receives an interrupt.
*/
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/swapnili/qemu-oracle/devicemodel"
	"github.com/swapnili/qemu-oracle/link"
	"github.com/swapnili/qemu-oracle/worker"
)

func main() {
	logger := log.New(os.Stderr, "mpworker: ", log.LstdFlags|log.Lmsgprefix)

	ch, err := link.NewChannel(int(os.Stdin.Fd()))
	if err != nil {
		logger.Fatalf("wrap stdin as control channel: %v", err)
	}

	device := devicemodel.New()
	hooks := worker.AdminHooks{
		DeviceAdd: func(opts []byte) error {
			logger.Printf("DEVICE_ADD: %s", opts)
			return nil
		},
		DeviceDel: func(opts []byte) error {
			logger.Printf("DEVICE_DEL: %s", opts)
			return nil
		},
		DriveAdd: func(opts []byte) error {
			logger.Printf("DRIVE_ADD: %s", opts)
			return nil
		},
		ConnectDev: func(id []byte) error {
			logger.Printf("CONNECT_DEV: %s", id)
			return nil
		},
	}
	l := worker.New(ch, device, hooks, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := l.Run(ctx); err != nil {
		logger.Fatalf("dispatch loop: %v", err)
	}
}
