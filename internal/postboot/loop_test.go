package postboot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/inobulles/aquabsd-init/internal/control"
	"github.com/inobulles/aquabsd-init/internal/domain"
)

const testOwnerUID = 1000

// zeroHandle is a zero-value *control.Handle: its unexported fd is 0,
// which a Delivery{QueueFD: 0} compares equal against, letting tests drive
// Loop.Run's trust-boundary check without a real mqueue descriptor.
func zeroHandle() *control.Handle {
	return new(control.Handle)
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type scriptedNotifier struct {
	mu         sync.Mutex
	deliveries []control.Delivery
	errs       []error
	calls      int
	// fallback, when set, is returned once deliveries are exhausted;
	// otherwise a valid owner delivery is returned.
	fallback *control.Delivery
}

func (n *scriptedNotifier) Wait() (control.Delivery, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	i := n.calls
	n.calls++

	if i < len(n.errs) && n.errs[i] != nil {
		return control.Delivery{}, n.errs[i]
	}
	if i < len(n.deliveries) {
		return n.deliveries[i], nil
	}
	if n.fallback != nil {
		return *n.fallback, nil
	}
	return control.Delivery{SenderUID: testOwnerUID, QueueFD: 0}, nil
}

type scriptedChannel struct {
	mu    sync.Mutex
	msgs  [][]byte
	errs  []error
	calls int
}

func (c *scriptedChannel) Receive() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.calls
	c.calls++

	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i < len(c.msgs) {
		return c.msgs[i], nil
	}
	return []byte("idle"), nil
}

func TestLoop_ValidDeliveriesReachHandler(t *testing.T) {
	notifier := &scriptedNotifier{deliveries: []control.Delivery{
		{SenderUID: testOwnerUID, QueueFD: 0},
		{SenderUID: testOwnerUID, QueueFD: 0},
	}}
	ch := &scriptedChannel{msgs: [][]byte{[]byte("a"), []byte("b")}}

	var mu sync.Mutex
	var got [][]byte
	handler := func(msg []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
	}

	loop := New(ch, notifier, zeroHandle(), testOwnerUID, discardLogger(), handler)
	ctx, cancel := context.WithCancel(context.Background())

	go loop.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, []byte("a"), got[0])
	assert.Equal(t, []byte("b"), got[1])
}

func TestLoop_InvalidDeliveryNeverReachesChannel(t *testing.T) {
	notifier := &scriptedNotifier{
		deliveries: []control.Delivery{
			{SenderUID: testOwnerUID + 1, QueueFD: 0}, // wrong sender uid
		},
		fallback: &control.Delivery{SenderUID: testOwnerUID + 1, QueueFD: 0},
	}
	ch := &scriptedChannel{}

	loop := New(ch, notifier, zeroHandle(), testOwnerUID, discardLogger(), func([]byte) {
		t.Fatal("handler must not be called for an invalid delivery")
	})

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.Equal(t, 0, ch.calls)
}

func TestLoop_NotifierErrorDoesNotStopLoop(t *testing.T) {
	notifier := &scriptedNotifier{
		errs: []error{domain.NewError(domain.ControlChannelReceiveError, "control", nil, nil)},
	}
	ch := &scriptedChannel{msgs: [][]byte{[]byte("after-error")}}

	var mu sync.Mutex
	var got [][]byte
	handler := func(msg []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
	}

	loop := New(ch, notifier, zeroHandle(), testOwnerUID, discardLogger(), handler)
	ctx, cancel := context.WithCancel(context.Background())

	go loop.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, m := range got {
		if string(m) == "after-error" {
			found = true
		}
	}
	assert.True(t, found, "loop must keep waiting after a notifier error")
}

func TestLoop_NilHandlerDoesNotPanic(t *testing.T) {
	notifier := &scriptedNotifier{}
	ch := &scriptedChannel{}
	loop := New(ch, notifier, zeroHandle(), testOwnerUID, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
}

func TestLoop_StopsOnContextCancel(t *testing.T) {
	notifier := &scriptedNotifier{}
	ch := &scriptedChannel{}
	loop := New(ch, notifier, zeroHandle(), testOwnerUID, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not return after context cancellation")
	}
}
