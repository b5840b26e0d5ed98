// Package script implements the Script Parser (spec §4.4.1): it reads
// directive-comment headers from a shell-style boot script and builds the
// Service's dep_names, provides set, and flags from them.
package script

import (
	"bufio"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/inobulles/aquabsd-init/internal/domain"
)

// headerState is the three-state machine keyed on lines, per spec §4.4.1.
type headerState int

const (
	beforeParsing headerState = iota
	parsingHeader
	doneParsing
)

const (
	directiveRequire = "REQUIRE"
	directiveProvide = "PROVIDE"
	directiveBefore  = "BEFORE"
	directiveKeyword = "KEYWORD"
)

// keywordEffects maps KEYWORD tokens to the Flags field they flip, per the
// table in spec §4.4.1.
var keywordEffects = map[string]func(*domain.Flags){
	"nostart":    func(f *domain.Flags) { f.OnStart = false },
	"shutdown":   func(f *domain.Flags) { f.OnStop = true },
	"resume":     func(f *domain.Flags) { f.OnResume = true },
	"firstboot":  func(f *domain.Flags) { f.FirstBoot = true },
	"nojail":     func(f *domain.Flags) { f.DisableInJail = true },
	"nojailvnet": func(f *domain.Flags) { f.DisableInVNetJail = true },
}

// Parser implements loader.Parser for Script services.
type Parser struct {
	Log logrus.FieldLogger
}

func New(log logrus.FieldLogger) *Parser {
	return &Parser{Log: log}
}

// Parse reads path's directive header and builds a Script-kind Service.
// A file that cannot be opened fails with domain.ParseFailed, per spec
// §4.4.1.
func (p *Parser) Parse(fs afero.Fs, path, name string) (*domain.Service, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, domain.NewError(domain.ParseFailed, "script-parser",
			map[string]interface{}{"file": path}, err)
	}
	defer f.Close()

	svc := domain.NewService(domain.Script, name, path)
	data := &domain.ScriptData{}

	state := beforeParsing
	var pending string // accumulates a backslash-continued logical line

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if state == doneParsing {
			break
		}

		line := scanner.Text()

		if pending != "" {
			line = pending + line
			pending = ""
		}

		if strings.HasSuffix(line, "\\") {
			pending = strings.TrimSuffix(line, "\\")
			continue
		}

		key, tokens, isDirective := parseDirectiveLine(line)

		switch state {
		case beforeParsing:
			if !isDirective {
				continue
			}
			state = parsingHeader
			p.applyDirective(key, tokens, svc, data)

		case parsingHeader:
			if !isDirective {
				state = doneParsing
				continue
			}
			p.applyDirective(key, tokens, svc, data)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, domain.NewError(domain.ParseFailed, "script-parser",
			map[string]interface{}{"file": path}, err)
	}

	svc.ScriptData = data
	return svc, nil
}

// parseDirectiveLine recognizes a line of the form "# KEY: value ...".
func parseDirectiveLine(line string) (key string, tokens []string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return "", nil, false
	}
	body := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))

	colon := strings.Index(body, ":")
	if colon < 0 {
		return "", nil, false
	}

	key = strings.ToUpper(strings.TrimSpace(body[:colon]))
	switch key {
	case directiveRequire, directiveProvide, directiveBefore, directiveKeyword:
	default:
		return "", nil, false
	}

	tokens = strings.Fields(body[colon+1:])
	return key, tokens, true
}

func (p *Parser) applyDirective(key string, tokens []string, svc *domain.Service, data *domain.ScriptData) {
	switch key {
	case directiveRequire:
		svc.DepNames = append(svc.DepNames, tokens...)

	case directiveProvide:
		data.Provides = append(data.Provides, tokens...)

	case directiveBefore:
		// Recorded for forward compatibility; currently unused (spec §4.4.1).

	case directiveKeyword:
		for _, tok := range tokens {
			effect, known := keywordEffects[tok]
			if !known {
				p.Log.WithFields(logrus.Fields{
					"subsystem": "script-parser",
					"keyword":   tok,
				}).Warn("unknown KEYWORD token ignored")
				continue
			}
			effect(&svc.Flags)
		}
	}
}
