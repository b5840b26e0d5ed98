// Package module implements the Module Parser (spec §4.4.2): it opens a
// dynamically loadable native object and harvests its declared symbols.
//
// Go's standard library plugin package is the only mechanism the language
// offers for loading a .so at runtime and resolving symbols out of it by
// name; none of the example repos in the corpus pull in a third-party
// alternative (the domain is inherently an OS/runtime-loader primitive, not
// a library concern), so this is one of the few components that is
// deliberately built on the standard library rather than an ecosystem
// dependency. See DESIGN.md for the full justification.
package module

import (
	"fmt"
	"plugin"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/inobulles/aquabsd-init/internal/domain"
)

// flagSymbols lists the six presence-tested flag symbols from spec §4.4.2.
var flagSymbols = map[string]func(*domain.Flags){
	"on_start":            func(f *domain.Flags) { f.OnStart = true },
	"on_stop":             func(f *domain.Flags) { f.OnStop = true },
	"on_resume":           func(f *domain.Flags) { f.OnResume = true },
	"first_boot":          func(f *domain.Flags) { f.FirstBoot = true },
	"disable_in_jail":     func(f *domain.Flags) { f.DisableInJail = true },
	"disable_in_vnet_jail": func(f *domain.Flags) { f.DisableInVNetJail = true },
}

// Parser implements loader.Parser for Module services. It ignores the
// afero.Fs argument: plugin.Open always goes through the real OS loader,
// which has no in-memory-filesystem equivalent for tests to substitute.
type Parser struct {
	Log logrus.FieldLogger
	// open is a seam for tests that can't load a real .so.
	open func(path string) (symbolTable, error)
}

// symbolTable is the minimal surface this package needs out of
// *plugin.Plugin, so tests can fake it without building real shared
// objects.
type symbolTable interface {
	Lookup(symName string) (plugin.Symbol, error)
}

type realPlugin struct{ p *plugin.Plugin }

func (r realPlugin) Lookup(name string) (plugin.Symbol, error) { return r.p.Lookup(name) }

func New(log logrus.FieldLogger) *Parser {
	return &Parser{
		Log: log,
		open: func(path string) (symbolTable, error) {
			p, err := plugin.Open(path)
			if err != nil {
				return nil, err
			}
			return realPlugin{p}, nil
		},
	}
}

// handle implements domain.ModuleHandle for a parsed module; it records
// only the module's path.
type handle struct {
	path string
}

func (h *handle) Close() error {
	// plugin.Plugin offers no unload primitive; the process keeps the .so
	// mapped until exit. Close is kept so callers can still defer it
	// uniformly across every module's lifetime (spec §5's "resource
	// acquisition discipline").
	return nil
}

func (h *handle) Path() string { return h.path }

// Parse opens path as a dynamically loadable native object with eager
// symbol resolution and harvests the required symbols and flag probes, per
// spec §4.4.2. A missing required symbol discards the service with a
// warning rather than failing the whole boot. fs is accepted to satisfy
// loader.Parser but unused: plugin.Open always goes through the real OS
// loader, which has no in-memory-filesystem equivalent for tests to
// substitute.
func (p *Parser) Parse(_ afero.Fs, path, name string) (*domain.Service, error) {
	table, err := p.open(path)
	if err != nil {
		return nil, domain.NewError(domain.ParseFailed, "module-parser",
			map[string]interface{}{"file": path}, err)
	}

	startSym, err := table.Lookup("start")
	if err != nil {
		return nil, p.missingSymbol(path, "start", err)
	}
	startFn, ok := startSym.(func() int)
	if !ok {
		return nil, p.missingSymbol(path, "start", fmt.Errorf("wrong type for start"))
	}

	depsLenSym, err := table.Lookup("get_deps_len")
	if err != nil {
		return nil, p.missingSymbol(path, "get_deps_len", err)
	}
	depsLenFn, ok := depsLenSym.(func() uint)
	if !ok {
		return nil, p.missingSymbol(path, "get_deps_len", fmt.Errorf("wrong type for get_deps_len"))
	}

	depNamesSym, err := table.Lookup("get_dep_names")
	if err != nil {
		return nil, p.missingSymbol(path, "get_dep_names", err)
	}
	depNamesFn, ok := depNamesSym.(func() []string)
	if !ok {
		return nil, p.missingSymbol(path, "get_dep_names", fmt.Errorf("wrong type for get_dep_names"))
	}

	svc := domain.NewService(domain.Module, name, path)
	svc.DepNames = depNamesFn()
	svc.ModuleData = &domain.ModuleData{
		Handle:       &handle{path: path},
		StartFunc:    startFn,
		DepsLenFunc:  depsLenFn,
		DepNamesFunc: depNamesFn,
	}

	for symName, apply := range flagSymbols {
		if _, err := table.Lookup(symName); err == nil {
			apply(&svc.Flags)
		}
	}

	return svc, nil
}

func (p *Parser) missingSymbol(path, sym string, cause error) error {
	p.Log.WithFields(logrus.Fields{
		"subsystem": "module-parser",
		"file":      path,
		"symbol":    sym,
	}).Warn("service discarded: required symbol missing")

	return domain.NewError(domain.ModuleSymbolMissing, "module-parser",
		map[string]interface{}{"file": path, "symbol": sym}, cause)
}
