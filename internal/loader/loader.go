// Package loader implements the Service Loader (spec §4.3): it scans
// on-disk directories, constructs a Service record per regular file found,
// and dispatches each to its kind-specific parser.
package loader

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/inobulles/aquabsd-init/internal/domain"
)

// ScriptPerms is the file-mode bits every Script service must carry (spec
// §4.3, §6): refuses to execute world-writable boot code.
const ScriptPerms = 0555

// Parser parses a single regular file into a Service, or reports that the
// file doesn't belong to this kind (spec §4.4).
type Parser interface {
	Parse(fs afero.Fs, path, name string) (*domain.Service, error)
}

// Dir pairs a directory with the kind-specific Parser that should consume
// every regular file inside it.
type Dir struct {
	Path   string
	Kind   domain.Kind
	Parser Parser
}

// Loader scans the configured directories and builds the service set.
type Loader struct {
	fs  afero.Fs
	log logrus.FieldLogger
}

func New(fs afero.Fs, log logrus.FieldLogger) *Loader {
	return &Loader{fs: fs, log: log}
}

// LoadAll implements spec §4.3's load_all(dirs) operation. Ordering within
// the returned sequence is not semantically meaningful but is stable
// (lexicographic) for diagnostic reproducibility across identical
// directory states.
func (l *Loader) LoadAll(dirs []Dir) ([]*domain.Service, error) {
	var services []*domain.Service

	for _, dir := range dirs {
		entries, err := afero.ReadDir(l.fs, dir.Path)
		if err != nil {
			return nil, domain.NewError(domain.DirOpenFailed, "loader",
				map[string]interface{}{"dir": dir.Path}, err)
		}

		type entryInfo struct {
			name string
			mode uint32
		}
		var infos []entryInfo
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if len(e.Name()) > 0 && e.Name()[0] == '.' {
				continue
			}
			infos = append(infos, entryInfo{name: e.Name(), mode: uint32(e.Mode().Perm())})
		}
		sort.Slice(infos, func(i, j int) bool { return infos[i].name < infos[j].name })

		for _, in := range infos {
			path := filepath.Join(dir.Path, in.name)

			if dir.Kind == domain.Script {
				if in.mode != ScriptPerms {
					return nil, domain.NewError(domain.BadScriptPerms, "loader",
						map[string]interface{}{
							"file":     path,
							"observed": fmt.Sprintf("0%o", in.mode),
							"required": fmt.Sprintf("0%o", ScriptPerms),
						}, nil)
				}
			}

			svc, err := dir.Parser.Parse(l.fs, path, in.name)
			if err != nil {
				l.log.WithFields(logrus.Fields{
					"subsystem": "loader",
					"file":      path,
					"cause":     err,
				}).Warn("service discarded: parse failed")
				continue
			}

			services = append(services, svc)
		}
	}

	return services, nil
}
