package link

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Channel is one duplex endpoint wrapping a connected AF_UNIX SOCK_STREAM
// socket. Sends and receives are each serialized by their own mutex so a
// synchronous requester blocked in Recv never stalls an unrelated sender.
type Channel struct {
	fd int

	sendMu sync.Mutex
	recvMu sync.Mutex

	closeOnce sync.Once
	wakeR     int // read end of the wake pipe, interrupts a blocked Poll
	wakeW     int
}

// NewChannel wraps an already-connected socket fd. Ownership of fd passes
// to the Channel; Close will close it.
func NewChannel(fd int) (*Channel, error) {
	r, w, err := pipe2CloExec()
	if err != nil {
		return nil, wrap(ErrTransport, "channel: wake pipe", err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(r)
		unix.Close(w)
		return nil, wrap(ErrTransport, "channel: set blocking", err)
	}
	return &Channel{fd: fd, wakeR: r, wakeW: w}, nil
}

func pipe2CloExec() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

// Fd returns the underlying socket descriptor, for tests and for wiring
// into a caller-owned poll loop (the worker dispatch loop, see worker.Loop).
func (c *Channel) Fd() int {
	return c.fd
}

func retryEINTR(fn func() error) error {
	for {
		err := fn()
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		return err
	}
}

// Send writes one message's header segment (with any ancillary fds
// attached via SCM_RIGHTS) and, if the message carries a bytestream
// payload, the payload segment immediately after, all under the same
// acquisition of the send lock so framing can't interleave with another
// sender. Follows mpqemu's proxy_proc_send.
func (c *Channel) Send(m *Message) error {
	if m.NumFDs > MaxFDs {
		return &Error{Kind: ErrMalformed, msg: fmt.Sprintf("send: %d fds exceeds max %d", m.NumFDs, MaxFDs)}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	header := encodeHeader(m)
	var oob []byte
	if m.NumFDs > 0 {
		oob = unix.UnixRights(m.FDs[:m.NumFDs]...)
	}

	err := retryEINTR(func() error {
		_, sendErr := unix.SendmsgN(c.fd, header, oob, nil, 0)
		return sendErr
	})
	if err != nil {
		return wrap(ErrTransport, "sendmsg", err)
	}

	if !m.Bytestream || m.Size == 0 {
		return nil
	}

	data := m.Data2
	for len(data) > 0 {
		var n int
		err := retryEINTR(func() error {
			var wErr error
			n, wErr = unix.Write(c.fd, data)
			return wErr
		})
		if err != nil {
			return wrap(ErrTransport, "write payload", err)
		}
		data = data[n:]
	}
	return nil
}

// Recv blocks until a full message has been read: the fixed header, its
// ancillary fds (if any), and the payload segment when Bytestream and
// Size > 0. Follows mpqemu's proxy_proc_recv.
func (c *Channel) Recv() (*Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	header := make([]byte, headerSize)
	oob := make([]byte, unix.CmsgSpace(MaxFDs*4))

	var n, oobn int
	err := retryEINTR(func() error {
		var rErr error
		n, oobn, _, _, rErr = unix.Recvmsg(c.fd, header, oob, 0)
		return rErr
	})
	if err != nil {
		return nil, wrap(ErrTransport, "recvmsg", err)
	}
	if n == 0 {
		return nil, &Error{Kind: ErrHangup, msg: "peer hung up"}
	}
	if n != headerSize {
		return nil, &Error{Kind: ErrMalformed, msg: fmt.Sprintf("short header: got %d want %d", n, headerSize)}
	}

	m := &Message{}
	if err := decodeHeader(header, m); err != nil {
		return nil, err
	}

	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, wrap(ErrMalformed, "parse cmsg", err)
		}
		for _, scm := range scms {
			fds, err := unix.ParseUnixRights(&scm)
			if err != nil {
				continue
			}
			for _, fd := range fds {
				if m.NumFDs < MaxFDs {
					m.FDs[m.NumFDs] = fd
					m.NumFDs++
				} else {
					unix.Close(fd)
				}
			}
		}
	}

	if m.Bytestream && m.Size > 0 {
		buf := make([]byte, m.Size)
		read := 0
		for read < len(buf) {
			var rn int
			err := retryEINTR(func() error {
				var rErr error
				rn, rErr = unix.Read(c.fd, buf[read:])
				return rErr
			})
			if err != nil {
				return nil, wrap(ErrTransport, "read payload", err)
			}
			if rn == 0 {
				return nil, &Error{Kind: ErrHangup, msg: "peer hung up mid-payload"}
			}
			read += rn
		}
		m.Data2 = buf
	}

	return m, nil
}

// Wake interrupts a blocked Wait call, used by Close to unblock a dispatch
// loop parked in poll.
func (c *Channel) Wake() {
	var b [1]byte
	unix.Write(c.wakeW, b[:])
}

// Wait blocks until the channel is readable, hung up, or errored, or until
// Wake is called. The worker dispatch loop calls this once per iteration
// in place of registering the socket with an external main loop.
func (c *Channel) Wait() (readable, hangup, errored, woken bool, err error) {
	fds := []unix.PollFd{
		{Fd: int32(c.fd), Events: unix.POLLIN},
		{Fd: int32(c.wakeR), Events: unix.POLLIN},
	}
	for {
		_, perr := unix.Poll(fds, -1)
		if perr == unix.EINTR {
			continue
		}
		if perr != nil {
			return false, false, false, false, wrap(ErrTransport, "poll", perr)
		}
		break
	}
	if fds[1].Revents&unix.POLLIN != 0 {
		var b [1]byte
		unix.Read(c.wakeR, b[:])
		return false, false, false, true, nil
	}
	rev := fds[0].Revents
	return rev&unix.POLLIN != 0, rev&unix.POLLHUP != 0, rev&(unix.POLLERR|unix.POLLNVAL) != 0, false, nil
}

// Socketpair creates a connected pair of AF_UNIX SOCK_STREAM sockets and
// wraps both ends as Channels. Production code only ever wraps one end
// this way (lifecycle.Start hands the other raw fd to the child process
// as stdin); this helper exists so tests can exercise a full proxy/worker
// round trip in one process without forking.
func Socketpair() (a, b *Channel, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, wrap(ErrTransport, "socketpair", err)
	}
	a, err = NewChannel(fds[0])
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err = NewChannel(fds[1])
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

// Close closes the socket, causing HUP on the peer's next poll. Safe to
// call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.Wake()
		err = unix.Close(c.fd)
		unix.Close(c.wakeR)
		unix.Close(c.wakeW)
	})
	return err
}
