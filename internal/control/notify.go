package control

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/inobulles/aquabsd-init/internal/domain"
)

// NotifySignal is the designated real-time signal used to learn of control
// channel deliveries (spec §4.2, §6).
const NotifySignal = unix.SIGUSR1

// Notifier blocks NotifySignal on the OS thread that created it (see
// BlockAndWatch) and drains delivery notifications via a signalfd, so each delivery's sending uid can be
// validated against the handle that created the channel, per spec §4.2's
// "notification discipline".
type Notifier struct {
	fd int
}

// BlockAndWatch blocks NotifySignal on the calling OS thread (the caller
// must not unlock it afterwards — this mirrors sigprocmask's process-wide
// intent for the supervisor's single-threaded signal-handling driver) and
// returns a Notifier reading deliveries off a signalfd.
func BlockAndWatch() (*Notifier, error) {
	runtime.LockOSThread()

	var set unix.Sigset_t
	set.Val[0] |= 1 << (uint(NotifySignal) - 1)

	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return nil, domain.NewError(domain.ChannelSetupFailed, "control",
			map[string]interface{}{"op": "sigprocmask"}, err)
	}

	fd, err := unix.Signalfd(-1, &set, 0)
	if err != nil {
		return nil, domain.NewError(domain.ChannelSetupFailed, "control",
			map[string]interface{}{"op": "signalfd"}, err)
	}

	return &Notifier{fd: fd}, nil
}

// Delivery is the sender uid and queue descriptor carried by a
// notification, the trust boundary spec §6 calls out.
type Delivery struct {
	SenderUID uint32
	QueueFD   int32
}

// Wait blocks until a signal delivery is read off the signalfd.
func (n *Notifier) Wait() (Delivery, error) {
	var info unix.SignalfdSiginfo

	buf := (*[unix.SizeofSignalfdSiginfo]byte)(unsafe.Pointer(&info))[:]
	for {
		nread, err := unix.Read(n.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return Delivery{}, domain.NewError(domain.ControlChannelReceiveError, "control",
				map[string]interface{}{"op": "signalfd read"}, err)
		}
		if nread != unix.SizeofSignalfdSiginfo {
			continue
		}
		break
	}

	return Delivery{SenderUID: info.Uid, QueueFD: int32(info.Fd)}, nil
}

// Valid reports whether a Delivery originated from the expected handle,
// per spec §6's trust boundary: sender uid and queue descriptor must match.
func (d Delivery) Valid(ownerUID uint32, h *Handle) bool {
	return d.SenderUID == ownerUID && int(d.QueueFD) == h.fd
}

func (n *Notifier) Close() error {
	return unix.Close(n.fd)
}
