//go:build unix

package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// checkCacheAccessible verifies the tile cache directory is readable,
// writable, and executable before the master commits to running, per
// SPEC_FULL.md §6.1.
func checkCacheAccessible(dir string) error {
	if err := unix.Access(dir, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("cache directory %s is not accessible: %w", dir, err)
	}
	return nil
}

// checkSameFilesystem verifies childRoot shares a device with both
// template trees, so jail.Build's hardlink-first strategy can actually
// link instead of always falling back to a copy.
func checkSameFilesystem(childRoot, sysTemplate, loTemplate string) error {
	rootDev, err := deviceOf(childRoot)
	if err != nil {
		return err
	}
	for _, dir := range []string{sysTemplate, loTemplate} {
		dev, err := deviceOf(dir)
		if err != nil {
			return err
		}
		if dev != rootDev {
			return fmt.Errorf("%s is not on the same filesystem as %s", dir, childRoot)
		}
	}
	return nil
}

func deviceOf(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return uint64(st.Dev), nil
}
