package privilege

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inobulles/aquabsd-init/internal/domain"
)

func TestEnsureReady_NotPrivileged(t *testing.T) {
	g := newWithDeps(logrus.New(), "service",
		func() int { return 501 },
		func(string) (int, error) { return 0, nil })

	_, err := g.EnsureReady()
	require.Error(t, err)

	var serr *domain.SupervisorError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, domain.NotPrivileged, serr.Kind)
}

func TestEnsureReady_MissingGroup(t *testing.T) {
	g := newWithDeps(logrus.New(), "service",
		func() int { return 0 },
		func(string) (int, error) { return 0, errors.New("no such group") })

	_, err := g.EnsureReady()
	require.Error(t, err)

	var serr *domain.SupervisorError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, domain.MissingGroup, serr.Kind)
}

func TestEnsureReady_Success(t *testing.T) {
	g := newWithDeps(logrus.New(), "service",
		func() int { return 0 },
		func(name string) (int, error) {
			assert.Equal(t, "service", name)
			return 42, nil
		})

	gid, err := g.EnsureReady()
	require.NoError(t, err)
	assert.Equal(t, 42, gid)
}
