// Package privilege implements the Privilege & Identity Guard (spec §4.1):
// it verifies the process runs with the highest privilege level and that
// the configured supervisory group exists, resolving its numeric id.
package privilege

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gopkg.in/hlandau/service.v1/passwd"

	"github.com/inobulles/aquabsd-init/internal/domain"
)

// ServiceGroupName is the supervisory group authorized to write to the
// control channel (spec §6).
const ServiceGroupName = "service"

// Guard exposes the single ensure_ready() operation from spec §4.1.
type Guard struct {
	log        logrus.FieldLogger
	groupName  string
	geteuid    func() int
	resolveGID func(name string) (int, error)
}

// New constructs a Guard that checks the real process identity and
// resolves ServiceGroupName via the system group database.
func New(log logrus.FieldLogger) *Guard {
	return &Guard{
		log:        log,
		groupName:  ServiceGroupName,
		geteuid:    unix.Geteuid,
		resolveGID: passwd.ParseGID,
	}
}

// newWithDeps is a test seam: it lets tests substitute the uid check and
// group resolver without touching the real process identity.
func newWithDeps(log logrus.FieldLogger, groupName string, geteuid func() int, resolveGID func(string) (int, error)) *Guard {
	return &Guard{
		log:        log,
		groupName:  groupName,
		geteuid:    geteuid,
		resolveGID: resolveGID,
	}
}

// EnsureReady performs the fail-fast checks from spec §4.1 and returns the
// supervisory group's numeric id on success. Failures are fatal and must be
// reported to the user by the caller before exit, per spec §4.1 and §7.
func (g *Guard) EnsureReady() (int, error) {
	if uid := g.geteuid(); uid != 0 {
		g.log.WithFields(logrus.Fields{
			"subsystem": "privilege",
			"euid":      uid,
		}).Error("supervisor must run with effective uid 0")

		return 0, domain.NewError(domain.NotPrivileged, "privilege",
			map[string]interface{}{"euid": uid}, nil)
	}

	gid, err := g.resolveGID(g.groupName)
	if err != nil {
		g.log.WithFields(logrus.Fields{
			"subsystem": "privilege",
			"group":     g.groupName,
		}).Error("supervisory group could not be resolved")

		return 0, domain.NewError(domain.MissingGroup, "privilege",
			map[string]interface{}{"group": g.groupName}, err)
	}

	g.log.WithFields(logrus.Fields{
		"subsystem": "privilege",
		"group":     g.groupName,
		"gid":       gid,
	}).Debug("privilege guard satisfied")

	return gid, nil
}
