//go:build !unix

package main

import "fmt"

func checkCacheAccessible(dir string) error {
	return fmt.Errorf("cache accessibility check is only supported on unix (wanted %s)", dir)
}

func checkSameFilesystem(childRoot, sysTemplate, loTemplate string) error {
	return fmt.Errorf("same-filesystem check is only supported on unix (wanted %s)", childRoot)
}
