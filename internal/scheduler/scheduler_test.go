package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inobulles/aquabsd-init/internal/clock"
	"github.com/inobulles/aquabsd-init/internal/domain"
)

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// orderProbe is the "externally observable ordering probe" spec §8 item 1
// asks for: each fake executor run appends its service's name under lock.
type orderProbe struct {
	mu    sync.Mutex
	order []string
}

func (p *orderProbe) record(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = append(p.order, name)
}

func (p *orderProbe) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

type fakeExecutor struct {
	probe   *orderProbe
	delay   time.Duration
	statuses map[string]int
}

func (e *fakeExecutor) Run(svc *domain.Service) (int, error) {
	e.probe.record(svc.Name)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	return e.statuses[svc.Name], nil
}

func svcFor(name string, deps ...*domain.Service) *domain.Service {
	s := domain.NewService(domain.Script, name, "/etc/rc.d/"+name)
	s.Deps = deps
	return s
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestRunAll_LinearChainRespectsOrder(t *testing.T) {
	a := svcFor("a")
	b := svcFor("b", a)
	c := svcFor("c", b)

	probe := &orderProbe{}
	sched := New(&fakeExecutor{probe: probe}, clock.NewFake(time.Unix(0, 0), time.Millisecond), discardLogger())
	sched.RunAll([]*domain.Service{a, b, c})

	order := probe.snapshot()
	require.Len(t, order, 3)
	assert.Less(t, indexOf(order, "a"), indexOf(order, "b"))
	assert.Less(t, indexOf(order, "b"), indexOf(order, "c"))

	for _, s := range []*domain.Service{a, b, c} {
		assert.Equal(t, domain.Completed, s.RunState)
	}
}

func TestRunAll_Diamond(t *testing.T) {
	root := svcFor("root")
	left := svcFor("left", root)
	right := svcFor("right", root)
	join := svcFor("join", left, right)

	probe := &orderProbe{}
	sched := New(&fakeExecutor{probe: probe, delay: time.Millisecond}, clock.NewFake(time.Unix(0, 0), time.Millisecond), discardLogger())
	sched.RunAll([]*domain.Service{root, left, right, join})

	order := probe.snapshot()
	require.Len(t, order, 4)
	assert.Less(t, indexOf(order, "root"), indexOf(order, "left"))
	assert.Less(t, indexOf(order, "root"), indexOf(order, "right"))
	assert.Less(t, indexOf(order, "left"), indexOf(order, "join"))
	assert.Less(t, indexOf(order, "right"), indexOf(order, "join"))
}

func TestRunAll_FailingDependencyDoesNotBlockDependent(t *testing.T) {
	dep := svcFor("dep")
	user := svcFor("user", dep)

	probe := &orderProbe{}
	sched := New(&fakeExecutor{probe: probe, statuses: map[string]int{"dep": 1}},
		clock.NewFake(time.Unix(0, 0), time.Millisecond), discardLogger())
	sched.RunAll([]*domain.Service{dep, user})

	order := probe.snapshot()
	assert.Contains(t, order, "dep")
	assert.Contains(t, order, "user")
	assert.Equal(t, domain.Completed, dep.RunState)
	assert.Equal(t, domain.Completed, user.RunState)
}

func TestRunAll_SkipsIneligibleService(t *testing.T) {
	skip := svcFor("skip")
	skip.Flags.OnStart = false

	probe := &orderProbe{}
	sched := New(&fakeExecutor{probe: probe}, clock.NewFake(time.Unix(0, 0), time.Millisecond), discardLogger())
	sched.RunAll([]*domain.Service{skip})

	assert.Empty(t, probe.snapshot())
	assert.Equal(t, domain.Skipped, skip.RunState)
}

func TestRunAll_DependentProceedsWhenDependencyIneligible(t *testing.T) {
	skip := svcFor("skip")
	skip.Flags.OnStart = false
	dependent := svcFor("dependent", skip)

	probe := &orderProbe{}
	sched := New(&fakeExecutor{probe: probe}, clock.NewFake(time.Unix(0, 0), time.Millisecond), discardLogger())
	sched.RunAll([]*domain.Service{skip, dependent})

	assert.Equal(t, []string{"dependent"}, probe.snapshot())
	assert.Equal(t, domain.Completed, dependent.RunState)
}

func TestRunAll_NeverSpawnsTwice(t *testing.T) {
	shared := svcFor("shared")
	a := svcFor("a", shared)
	b := svcFor("b", shared)

	var runs int32
	var mu sync.Mutex
	exec := &countingExecutor{fn: func(svc *domain.Service) {
		if svc.Name == "shared" {
			mu.Lock()
			runs++
			mu.Unlock()
		}
	}}

	sched := New(exec, clock.NewFake(time.Unix(0, 0), time.Millisecond), discardLogger())
	sched.RunAll([]*domain.Service{shared, a, b})

	assert.Equal(t, int32(1), runs)
}

type countingExecutor struct {
	fn func(*domain.Service)
}

func (e *countingExecutor) Run(svc *domain.Service) (int, error) {
	e.fn(svc)
	return 0, nil
}

func TestRunAll_TimingNonNegativeAndBounded(t *testing.T) {
	a := svcFor("a")
	probe := &orderProbe{}
	sched := New(&fakeExecutor{probe: probe}, clock.NewFake(time.Unix(0, 0), time.Millisecond), discardLogger())
	result := sched.RunAll([]*domain.Service{a})

	assert.GreaterOrEqual(t, a.Timing.TotalDuration, time.Duration(0))
	assert.LessOrEqual(t, a.Timing.TotalDuration, result.TotalDuration)
	assert.Same(t, a, result.Longest)
}
