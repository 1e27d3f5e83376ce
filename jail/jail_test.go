package jail

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

func TestReplicateTreeIsBijectionModuloExclusions(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "bin", "soffice"), "binary")
	writeFile(t, filepath.Join(src, "lib", "libfoo.so"), "lib")
	writeFile(t, filepath.Join(src, "etc", "fonts.conf"), "conf")
	require.NoError(t, os.Symlink("libfoo.so", filepath.Join(src, "lib", "libfoo.so.1")))

	dst := filepath.Join(t.TempDir(), "replica")
	require.NoError(t, replicateTree(src, dst, nil))

	for _, rel := range []string{"bin/soffice", "lib/libfoo.so", "etc/fonts.conf"} {
		got, err := os.ReadFile(filepath.Join(dst, rel))
		require.NoError(t, err)
		want, err := os.ReadFile(filepath.Join(src, rel))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	target, err := os.Readlink(filepath.Join(dst, "lib", "libfoo.so.1"))
	require.NoError(t, err)
	require.Equal(t, "libfoo.so", target)
}

func TestReplicateSkipsDanglingSymlink(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "kept.txt"), "v1")
	require.NoError(t, os.Symlink("does-not-exist", filepath.Join(src, "broken")))

	dst := filepath.Join(t.TempDir(), "replica")
	require.NoError(t, replicateTree(src, dst, nil))

	_, err := os.Readlink(filepath.Join(dst, "broken"))
	require.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(dst, "kept.txt"))
	require.NoError(t, err)
}

func TestReplicateSkipsPkgInfoOffDarwin(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("PkgInfo exclusion only applies off darwin")
	}
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "PkgInfo"), "APPLxxxx")
	writeFile(t, filepath.Join(src, "kept.txt"), "v1")

	dst := filepath.Join(t.TempDir(), "replica")
	require.NoError(t, replicateTree(src, dst, nil))

	_, err := os.Stat(filepath.Join(dst, "PkgInfo"))
	require.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(dst, "kept.txt"))
	require.NoError(t, err)
}

func TestReplicateIsIdempotent(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a", "b.txt"), "v1")

	dst := filepath.Join(t.TempDir(), "replica")
	require.NoError(t, replicateTree(src, dst, nil))
	require.NoError(t, replicateTree(src, dst, nil))

	got, err := os.ReadFile(filepath.Join(dst, "a", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(got))
}

func TestReplicateRestoresDirectoryModTime(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "sub", "f.txt"), "x")

	srcInfo, err := os.Stat(filepath.Join(src, "sub"))
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "replica")
	require.NoError(t, replicateTree(src, dst, nil))

	dstInfo, err := os.Stat(filepath.Join(dst, "sub"))
	require.NoError(t, err)
	require.WithinDuration(t, srcInfo.ModTime(), dstInfo.ModTime(), 0)
}

func TestBuildLaysOutSysTemplateAndDocumentKitSeparately(t *testing.T) {
	sysTemplate := t.TempDir()
	writeFile(t, filepath.Join(sysTemplate, "etc", "passwd"), "root:x:0:0")

	loTemplate := t.TempDir()
	writeFile(t, filepath.Join(loTemplate, "program", "soffice.bin"), "kit")

	root := t.TempDir()
	j, err := Build(root, 12345, sysTemplate, loTemplate, "lo", nil)
	require.NoError(t, err)

	// Build no longer fails when device-node creation is unavailable (it
	// logs and continues), so the jail is always usable for checking tree
	// replication, even on platforms without mknod(2) support.
	require.Equal(t, filepath.Join(root, "12345"), j.Root)
	require.Equal(t, "/lo", j.LOPath)

	_, err = os.Stat(filepath.Join(j.Root, "etc", "passwd"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(j.Root, "lo", "program", "soffice.bin"))
	require.NoError(t, err)
}
