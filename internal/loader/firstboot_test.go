package loader

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeFirstBoot(t *testing.T) {
	fs := afero.NewMemMapFs()

	present, err := ProbeFirstBoot(fs)
	require.NoError(t, err)
	assert.False(t, present)

	require.NoError(t, afero.WriteFile(fs, FirstBootSentinelPath, []byte{}, 0644))

	present, err = ProbeFirstBoot(fs)
	require.NoError(t, err)
	assert.True(t, present)
}
