package main

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/tqbf/patchkit/pkg/patch"
)

// spaceFactor covers the scratch extraction plus the displaced copies
// kept until an apply commits.
const spaceFactor = 3

// checkFreeSpace fails if dir's filesystem cannot hold an apply of an
// archive of the given size.
func checkFreeSpace(dir string, archiveSize int64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("check free space in %s: %w", dir, err)
	}
	need := uint64(archiveSize) * spaceFactor
	if usage.Free < need {
		return fmt.Errorf("%w: need %s free in %s, have %s",
			patch.ErrDestWrite,
			humanBytes(int64(need)), dir, humanBytes(int64(usage.Free)))
	}
	return nil
}
