/*
Command mpctl is the host-side administrative entry point for remote
devices, driving the registry directly in place of the hypervisor
monitor commands that would call it in a full integration.

It starts one worker process, runs rdevice-add against it, and then reads
a small line-oriented command set from stdin (query-remote, rdrive-add,
rdevice-del, quit) so the whole control surface can be exercised in a
single session.
*/
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	flags "github.com/jessevdk/go-flags"

	"github.com/swapnili/qemu-oracle/registry"
)

// CLIOptions are the flags that start one rdevice-add session.
type CLIOptions struct {
	WorkerCmd string `long:"worker-cmd" description:"path to the remote device worker binary" required:"true"`
	RdevID    string `long:"rdev-id" description:"id to register the proxy handle under" default:"rdev0"`
	ID        string `long:"id" description:"guest-visible device id" default:"dev0"`
	Driver    string `long:"driver" description:"device driver name forwarded to DEVICE_ADD" default:"proxy"`
}

func main() {
	opts := CLIOptions{}
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "mpctl:", err)
		os.Exit(1)
	}
}

func run(opts CLIOptions) error {
	sess, err := newSession(opts)
	if err != nil {
		return err
	}
	defer sess.close()

	fmt.Printf("rdevice-add: worker pid %d, rdev %q, id %q\n", sess.worker.PID, opts.RdevID, opts.ID)
	printList(sess.reg)

	fmt.Println("commands: query-remote | rdrive-add <opts> <id> | rdevice-del | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if rest, ok := strings.CutPrefix(line, "rdrive-add "); ok {
			driveOpts, id, found := strings.Cut(strings.TrimSpace(rest), " ")
			if !found {
				fmt.Fprintln(os.Stderr, "usage: rdrive-add <opts> <id>")
				continue
			}
			if err := sess.reg.RDriveAdd(context.Background(), sess.worker.Channel, opts.RdevID, driveOpts, id); err != nil {
				fmt.Fprintln(os.Stderr, "rdrive-add:", err)
				continue
			}
			fmt.Println("rdrive-add: ok")
			continue
		}
		switch line {
		case "query-remote", "info remote":
			printList(sess.reg)
		case "rdevice-del":
			if err := sess.reg.RDeviceDel(context.Background(), sess.worker.Channel, opts.RdevID); err != nil {
				fmt.Fprintln(os.Stderr, "rdevice-del:", err)
				continue
			}
			fmt.Println("rdevice-del: ok")
		case "quit", "":
			return nil
		default:
			fmt.Fprintln(os.Stderr, "unrecognized command")
		}
	}
	return scanner.Err()
}

func printList(reg *registry.Registry) {
	for _, t := range reg.List() {
		fmt.Printf("%-8d %-12s %-12s %s\n", t.PID, t.RID, t.ID, t.Command)
	}
}
