// Package diskstat reports free-space ratios for readiness checks and
// WAL hard-quota enforcement, grounded on luci-go's
// common/system/filesystem/filesystem_statfs.go use of
// golang.org/x/sys/unix.Statfs.
package diskstat

import "golang.org/x/sys/unix"

// FreeRatio returns the fraction of free space (0..1) on the
// filesystem that contains path.
func FreeRatio(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	if st.Blocks == 0 {
		return 1, nil
	}
	return float64(st.Bavail) / float64(st.Blocks), nil
}
