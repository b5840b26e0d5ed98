package loader

import (
	"os"

	"github.com/spf13/afero"
)

// FirstBootSentinelPath is where a future supervisor version would look to
// decide whether this is the system's first boot (spec §9's "apparent
// source bugs" note: the original's sentinel deletion/re-check flow is not
// implemented here, and this package never calls ProbeFirstBoot from the
// boot path — FirstBoot services stay permanently ineligible per spec §4.6).
const FirstBootSentinelPath = "/etc/init/.firstboot"

// ProbeFirstBoot reports whether the first-boot sentinel file exists. It is
// not wired into LoadAll or any scheduling decision; it exists only so a
// future supervisor version has a tested building block to consult, per
// spec §9's note that the sentinel flow is future work.
func ProbeFirstBoot(fs afero.Fs) (bool, error) {
	_, err := fs.Stat(FirstBootSentinelPath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
