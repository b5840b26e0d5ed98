// Package domain defines the core types shared by every component of the
// supervisor: the Service record, its flags and kind-specific payloads, and
// the error taxonomy from the supervisor's error handling design.
package domain

import "time"

// Kind identifies which parser produced a Service and, in turn, which
// executor body runs it.
type Kind int

const (
	// Generic is reserved for future service kinds; the executor currently
	// exits with failure for it.
	Generic Kind = iota
	Script
	Module
)

func (k Kind) String() string {
	switch k {
	case Script:
		return "script"
	case Module:
		return "module"
	default:
		return "generic"
	}
}

// RunState is the per-service scheduling state machine (spec §4.6).
type RunState int

const (
	Pending RunState = iota
	Waiting
	Running
	Completed
	Skipped
)

func (s RunState) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Skipped:
		return "skipped"
	default:
		return "pending"
	}
}

// Flags holds the independent boolean switches a Service may carry. The
// zero value has every flag false; the default (OnStart true, everything
// else false) is applied by NewService, not by this zero value.
type Flags struct {
	OnStart           bool
	OnStop            bool
	OnResume          bool
	FirstBoot         bool
	DisableInJail     bool
	DisableInVNetJail bool
}

// ScriptData is the kind-specific payload for a Script service.
type ScriptData struct {
	Provides []string
}

// ModuleData is the kind-specific payload for a Module service. Handle is
// opaque to everything outside the module parser/executor (it records the
// loaded module's path; the resolved entry points are the Func fields).
//
// StartFunc/DepsLenFunc/DepNamesFunc are resolved once, in the process that
// parsed this Service, purely to read get_deps_len/get_dep_names during
// loading. The Scheduler never calls StartFunc directly in that same
// process: actual execution re-execs the supervisor binary, which re-opens
// the plugin in the freshly spawned process and calls start() there (see
// scheduler.ModuleReexecArg) — Go's exec always loads a fresh address
// space, so a resolved function pointer from this process cannot be
// handed to a child the way a forked C process could.
type ModuleData struct {
	Handle      ModuleHandle
	StartFunc   func() int
	DepsLenFunc func() uint
	DepNamesFunc func() []string
}

// ModuleHandle abstracts the loaded native object so Service doesn't need
// to import the plugin-loading package directly.
type ModuleHandle interface {
	Close() error
	Path() string
}

// Timing records when a service's child was spawned and how long it ran,
// set exclusively by the Scheduler.
type Timing struct {
	StartInstant  time.Time
	TotalDuration time.Duration
}

// Service is the central entity described in spec §3.
type Service struct {
	Kind       Kind
	Name       string
	SourcePath string
	DepNames   []string
	Deps       []*Service // resolved; entries may be nil
	Flags      Flags

	ScriptData *ScriptData // non-nil iff Kind == Script
	ModuleData *ModuleData // non-nil iff Kind == Module

	Timing   Timing
	RunState RunState
}

// NewService constructs a Service with the spec's default flags:
// OnStart = true, everything else false.
func NewService(kind Kind, name, sourcePath string) *Service {
	return &Service{
		Kind:       kind,
		Name:       name,
		SourcePath: sourcePath,
		Flags:      Flags{OnStart: true},
		RunState:   Pending,
	}
}

// Eligible reports whether this Service is a candidate for scheduling this
// boot, per spec §4.6: OnStart true and FirstBoot false.
func (s *Service) Eligible() bool {
	return s.Flags.OnStart && !s.Flags.FirstBoot
}

// Provides returns the Script service's provides set, or nil for every
// other kind (per the spec's open question: the provides lookup happens
// against all kinds, but only Script ever has a non-empty set).
func (s *Service) Provides() []string {
	if s.ScriptData == nil {
		return nil
	}
	return s.ScriptData.Provides
}
