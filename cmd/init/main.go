// Command init is the supervisor's single binary entrypoint: service
// discovery, graph resolution, scheduling, and the post-boot admission loop
// (spec §1, §6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"github.com/inobulles/aquabsd-init/internal/clock"
	"github.com/inobulles/aquabsd-init/internal/control"
	"github.com/inobulles/aquabsd-init/internal/domain"
	"github.com/inobulles/aquabsd-init/internal/graph"
	"github.com/inobulles/aquabsd-init/internal/loader"
	moduleparser "github.com/inobulles/aquabsd-init/internal/parser/module"
	scriptparser "github.com/inobulles/aquabsd-init/internal/parser/script"
	"github.com/inobulles/aquabsd-init/internal/postboot"
	"github.com/inobulles/aquabsd-init/internal/privilege"
	"github.com/inobulles/aquabsd-init/internal/scheduler"
)

// Globals populated at build time via -ldflags, mirroring the teacher's
// edition/version/commitId pattern.
var (
	version  string
	commitId string
	builtAt  string
)

const (
	moduleServicesDir = "/etc/init/services"
	scriptServicesDir = "/etc/rc.d"
)

// runModuleReexec is the reexec entry point: when invoked as
// `init __run-module__ <path>`, this process re-opens the plugin at path
// and calls its start() entry point directly, exiting with its status. Go's
// exec always loads a fresh address space, so a Module service's body can
// only run in-process in the very process that re-execs for it; this check
// must happen before any other initialization (cli parsing included).
func runModuleReexec(args []string) {
	if len(args) < 3 || args[1] != scheduler.ModuleReexecArg {
		return
	}

	path := args[2]

	parser := moduleparser.New(logrus.StandardLogger())
	svc, err := parser.Parse(afero.NewOsFs(), path, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: failed to reload module %s: %v\n", path, err)
		os.Exit(1)
	}

	status := svc.ModuleData.StartFunc()
	os.Exit(status)
}

func runProfiler(ctx *cli.Context) interface{ Stop() } {
	cpuOn := ctx.Bool("cpu-profile")
	memOn := ctx.Bool("mem-profile")

	if !cpuOn && !memOn {
		return nil
	}
	if memOn {
		return profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	return profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
}

func fatal(log logrus.FieldLogger, err error) {
	fields := logrus.Fields{}

	var serr *domain.SupervisorError
	if se, ok := err.(*domain.SupervisorError); ok {
		serr = se
		fields["subsystem"] = serr.Subsystem
		fields["kind"] = serr.Kind.String()
		for k, v := range serr.Context {
			fields[k] = v
		}
	}

	log.WithFields(fields).WithError(err).Fatal("fatal error; exiting")
}

func main() {
	runModuleReexec(os.Args)

	app := cli.NewApp()
	app.Name = "init"
	app.Usage = "aquaBSD service supervisor"
	app.Version = version

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:   "cpu-profile",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "mem-profile",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("init\n\tversion: \t%s\n\tcommit: \t%s\n\tbuilt at: \t%s\n",
			c.App.Version, commitId, builtAt)
	}

	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	})

	app.Before = func(ctx *cli.Context) error {
		if ctx.Bool("verbose") {
			logrus.SetLevel(logrus.DebugLevel)
		} else {
			logrus.SetLevel(logrus.InfoLevel)
		}
		if ctx.NArg() > 0 {
			return fmt.Errorf("unrecognized argument: %s", ctx.Args().First())
		}
		return nil
	}

	app.Action = runSupervisor

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("init: usage error")
	}
}

func runSupervisor(ctx *cli.Context) error {
	log := logrus.StandardLogger()

	prof := runProfiler(ctx)
	if prof != nil {
		defer prof.Stop()
	}

	guard := privilege.New(log)
	groupGID, err := guard.EnsureReady()
	if err != nil {
		fatal(log, err)
		return err
	}

	ownerUID := os.Getuid()

	handle, err := control.Acquire(control.Name, control.Permissions, ownerUID, groupGID, log)
	if err != nil {
		fatal(log, err)
		return err
	}
	defer handle.Release()

	notifier, err := control.BlockAndWatch()
	if err != nil {
		fatal(log, err)
		return err
	}
	defer notifier.Close()

	fs := afero.NewOsFs()
	ld := loader.New(fs, log)

	dirs := []loader.Dir{
		{Path: moduleServicesDir, Kind: domain.Module, Parser: moduleparser.New(log)},
		{Path: scriptServicesDir, Kind: domain.Script, Parser: scriptparser.New(log)},
	}

	services, err := ld.LoadAll(dirs)
	if err != nil {
		fatal(log, err)
		return err
	}

	resolver := graph.New(log)
	resolver.Resolve(services)

	if err := resolver.CheckAcyclic(services); err != nil {
		fatal(log, err)
		return err
	}

	selfPath, err := os.Executable()
	if err != nil {
		selfPath = os.Args[0]
	}

	sched := scheduler.New(scheduler.NewOSExecutor(selfPath), clock.System{}, log)
	result := sched.RunAll(services)

	longestName := "none"
	longestDuration := "0s"
	if result.Longest != nil {
		longestName = result.Longest.Name
		longestDuration = result.Longest.Timing.TotalDuration.String()
	}
	log.WithFields(logrus.Fields{
		"subsystem": "init",
		"total":     result.TotalDuration.String(),
		"longest":   longestName,
		"duration":  longestDuration,
	}).Info("boot complete; entering post-boot loop")

	loop := postboot.New(handle, notifier, handle, uint32(ownerUID), log, nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	bootCtx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigCh
		cancel()
	}()

	loop.Run(bootCtx)

	return nil
}
