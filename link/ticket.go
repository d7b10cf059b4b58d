package link

import (
	"context"
	"encoding/binary"
	"math"

	"golang.org/x/sys/unix"
)

// ReplyTimeout bounds how long SendAndWait waits for a reply notification
// before giving up, matching the 1-second poll timeout mpqemu's
// wait_for_remote uses.
const ReplyTimeout = 1000 // milliseconds

// replyFault is the ULLONG_MAX sentinel the remote side writes to an
// eventfd to signal that the operation it was asked to perform failed,
// rather than writing the (always >= 1) success value notify_proxy biases
// every real reply by.
const replyFault = math.MaxUint64

// Ticket is one outstanding synchronous request layered on top of the
// channel's otherwise asynchronous message stream: the requester creates
// an eventfd, attaches it to the request message as an ancillary fd, sends
// the request, then blocks on the eventfd instead of on Channel.Recv so
// unrelated traffic on the same channel isn't held up waiting for this
// particular reply.
type Ticket struct {
	fd int
}

// NewTicket creates a fresh eventfd-backed ticket. The caller is
// responsible for attaching Fd() to the outgoing Message's FDs and for
// calling Close once the round trip is done.
func NewTicket() (*Ticket, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, wrap(ErrTransport, "eventfd", err)
	}
	return &Ticket{fd: fd}, nil
}

// Fd returns the eventfd descriptor to attach to an outgoing request.
func (t *Ticket) Fd() int {
	return t.fd
}

// Close releases the eventfd.
func (t *Ticket) Close() error {
	return unix.Close(t.fd)
}

// Wait blocks for the remote side to notify this ticket's eventfd, or for
// ReplyTimeout milliseconds to elapse. ctx is checked before each poll; a
// cancellation that arrives during the poll is not seen until it returns.
// It returns
// the un-biased value the remote computed, or an *Error with ErrRemoteFault
// if the remote signalled failure via the ULLONG_MAX sentinel.
//
// Follows mpqemu's wait_for_remote: poll with a fixed timeout so a dead
// remote doesn't hang the requester forever, then read and remove the +1
// bias notify_proxy applied to distinguish "a real zero value" from
// "eventfd was never written".
func (t *Ticket) Wait(ctx context.Context) (uint64, error) {
	pfd := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}

	for {
		select {
		case <-ctx.Done():
			return 0, wrap(ErrTimeout, "ticket wait", ctx.Err())
		default:
		}

		n, err := unix.Poll(pfd, ReplyTimeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, wrap(ErrTransport, "ticket poll", err)
		}
		if n == 0 {
			return 0, &Error{Kind: ErrTimeout, msg: "no reply within timeout"}
		}
		break
	}

	var buf [8]byte
	if err := retryEINTR(func() error {
		_, rErr := unix.Read(t.fd, buf[:])
		return rErr
	}); err != nil {
		return 0, wrap(ErrTransport, "eventfd read", err)
	}

	raw := binary.NativeEndian.Uint64(buf[:])
	if raw == replyFault {
		return 0, &Error{Kind: ErrRemoteFault, msg: "remote reported failure"}
	}
	if raw == 0 {
		return 0, &Error{Kind: ErrMalformed, msg: "reply notification with zero value"}
	}
	return raw - 1, nil
}

// Notify writes val (biased by 1, with the ULLONG_MAX fault sentinel
// clamped to itself) to fd, waking whichever side is blocked in
// Ticket.Wait on it. Matches notify_proxy: a genuine zero-valued result
// must still produce a nonzero eventfd write.
func Notify(fd int, val uint64) error {
	biased := val + 1
	if val == replyFault {
		biased = replyFault
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], biased)
	return retryEINTR(func() error {
		_, err := unix.Write(fd, buf[:])
		return err
	})
}

// NotifyFault writes the ULLONG_MAX sentinel to fd, signalling that the
// operation the requester was waiting on failed.
func NotifyFault(fd int) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], replyFault)
	return retryEINTR(func() error {
		_, err := unix.Write(fd, buf[:])
		return err
	})
}

// SendAndWait allocates a fresh ticket, attaches it as msg's sole
// ancillary fd, sends msg over c, and blocks for the reply. The ticket
// is always closed before returning, win or lose.
func (c *Channel) SendAndWait(ctx context.Context, msg *Message) (uint64, error) {
	t, err := NewTicket()
	if err != nil {
		return 0, err
	}
	defer t.Close()

	msg.FDs[0] = t.Fd()
	msg.NumFDs = 1

	if err := c.Send(msg); err != nil {
		return 0, err
	}
	return t.Wait(ctx)
}
