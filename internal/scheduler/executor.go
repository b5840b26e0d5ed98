package scheduler

import (
	"fmt"
	"os/exec"

	"github.com/inobulles/aquabsd-init/internal/domain"
)

// Executor runs a single Service's body in an isolated OS process and
// reports its exit status, per spec §4.6's "Executor body". The Scheduler
// is the only caller; Executor implementations must not themselves manage
// the readiness signal.
type Executor interface {
	Run(svc *domain.Service) (exitStatus int, err error)
}

// rcSubrHelper is the legacy shell environment Script services expect
// (spec §4.6, §6): ". /etc/rc.subr && run_rc_script <path> faststart".
const rcSubrHelper = ". /etc/rc.subr && run_rc_script %s faststart"

// OSExecutor is the production Executor: Script services run under the
// sh -c rc.subr helper (spec §6, exact command line); Module services are
// re-executed as a fresh OS process that re-opens the plugin and calls its
// start() entry point, because Go's process model has no fork() that
// preserves an already-resolved function pointer across exec — unlike the
// C original, spawning a subprocess always loads a fresh address space.
// Generic is reserved and always reports failure without spawning anything,
// per spec §4.6.
type OSExecutor struct {
	// SelfPath is the path to this binary, used to re-exec for Module
	// services (see ModuleReexecArg).
	SelfPath string
	// CommandFactory builds the *exec.Cmd for a Script or reexec'd Module
	// invocation; overridable in tests.
	CommandFactory func(name string, args ...string) *exec.Cmd
}

// ModuleReexecArg is the hidden argv[0]-adjacent subcommand cmd/init
// recognizes before doing anything else, to run a single module's start()
// entry point in a freshly exec'd process and exit with its status.
const ModuleReexecArg = "__run-module__"

func NewOSExecutor(selfPath string) *OSExecutor {
	return &OSExecutor{
		SelfPath:       selfPath,
		CommandFactory: exec.Command,
	}
}

func (e *OSExecutor) Run(svc *domain.Service) (int, error) {
	switch svc.Kind {
	case domain.Script:
		return e.runScript(svc)
	case domain.Module:
		return e.runModule(svc)
	default:
		return 1, nil
	}
}

func (e *OSExecutor) runScript(svc *domain.Service) (int, error) {
	cmd := e.CommandFactory("sh", "-c", fmt.Sprintf(rcSubrHelper, svc.SourcePath))
	cmd.Env = nil // inherit supervisor's full environment (spec §6)
	err := cmd.Run()
	return exitCodeOf(cmd, err)
}

func (e *OSExecutor) runModule(svc *domain.Service) (int, error) {
	cmd := e.CommandFactory(e.SelfPath, ModuleReexecArg, svc.SourcePath)
	err := cmd.Run()
	return exitCodeOf(cmd, err)
}

// exitCodeOf extracts the child's exit status, treating any non-ExitError
// failure (e.g. the binary couldn't be found) as a generic failure status
// rather than propagating it as a Go error: spec §4.6 "child exit status
// non-zero: warn ... do not propagate to dependents" applies uniformly.
func exitCodeOf(cmd *exec.Cmd, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return 1, nil
}
