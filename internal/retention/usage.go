package retention

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// UsageFunc は path を含むファイルシステムの使用率（0-100）を返します。
type UsageFunc func(path string) (float64, error)

// DiskUsage は statfs で使用率を計算します。
// df と同じく root 予約分を除いた容量を分母にします。
func DiskUsage(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	used := (st.Blocks - st.Bfree) * bsize
	avail := st.Bavail * bsize
	if used+avail == 0 {
		return 0, nil
	}
	return float64(used) * 100 / float64(used+avail), nil
}
