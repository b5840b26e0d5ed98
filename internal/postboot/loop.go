// Package postboot implements the post-boot admission loop (spec §2 item 8):
// once every startup-eligible service has been joined, the supervisor parks
// here receiving messages off the Control Channel for the rest of its life.
// Command dispatch itself is out of scope; only the loop's receive/continue
// contract, and the trust-boundary check spec §4.2/§6 mandate before each
// receive, are implemented.
package postboot

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/inobulles/aquabsd-init/internal/control"
	"github.com/inobulles/aquabsd-init/internal/domain"
)

// Channel is the subset of the Control Channel the loop depends on.
type Channel interface {
	Receive() ([]byte, error)
}

// Notifier is the subset of control.Notifier the loop depends on.
type Notifier interface {
	Wait() (control.Delivery, error)
}

// Handler is invoked with each message the channel admits. Dispatch itself
// is undefined by the source this supervisor is modeled on (spec §7's
// "Shutdown and post-boot command paths" note), so when New is given a nil
// Handler it substitutes one that only logs receipt.
type Handler func(msg []byte)

// Loop drives the post-boot receive cycle.
type Loop struct {
	ch       Channel
	notifier Notifier
	handle   *control.Handle
	ownerUID uint32
	log      logrus.FieldLogger
	handler  Handler
}

// New builds a Loop. notifier and handle are the same ones acquired by the
// main driver before scheduling (spec §5: signal mask set once before the
// post-boot loop); ownerUID is the uid that created the control channel,
// the trust boundary spec §4.2/§6 validate every delivery against.
func New(ch Channel, notifier Notifier, handle *control.Handle, ownerUID uint32, log logrus.FieldLogger, handler Handler) *Loop {
	if handler == nil {
		handler = func(msg []byte) {
			log.WithFields(logrus.Fields{
				"subsystem": "postboot",
				"bytes":     len(msg),
			}).Debug("control message received")
		}
	}
	return &Loop{
		ch:       ch,
		notifier: notifier,
		handle:   handle,
		ownerUID: ownerUID,
		log:      log,
		handler:  handler,
	}
}

// Run blocks, waiting on the control channel's signal notifier and
// validating each delivery's sender uid and queue descriptor against the
// acquired handle before draining a message (spec §4.2 "validated against
// the acquired handle before draining"; §6 "the info structure's sender uid
// and queue descriptor fields are the trust boundary"). It checks ctx
// before each wait and returns once ctx is cancelled; a Wait already
// blocked on the notifier is not interrupted, so cancellation takes effect
// only after that Wait returns. A ControlChannelReceiveError is logged as a warning and the
// loop continues, per spec §7's policy table entry for that Kind; every
// other error is treated the same way, since command dispatch (where a
// message could plausibly be fatal) is out of scope here.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivery, err := l.notifier.Wait()
		if err != nil {
			l.logReceiveError(err)
			continue
		}

		if !delivery.Valid(l.ownerUID, l.handle) {
			l.log.WithFields(logrus.Fields{
				"subsystem":  "postboot",
				"sender_uid": delivery.SenderUID,
				"queue_fd":   delivery.QueueFD,
			}).Warn("control channel delivery failed trust boundary check; ignoring")
			continue
		}

		msg, err := l.ch.Receive()
		if err != nil {
			l.logReceiveError(err)
			continue
		}

		l.handler(msg)
	}
}

func (l *Loop) logReceiveError(err error) {
	fields := logrus.Fields{"subsystem": "postboot"}

	var serr *domain.SupervisorError
	if se, ok := err.(*domain.SupervisorError); ok {
		serr = se
		fields["kind"] = serr.Kind.String()
		for k, v := range serr.Context {
			fields[k] = v
		}
	}

	l.log.WithFields(fields).WithError(err).Warn("control channel receive error; continuing")
}
