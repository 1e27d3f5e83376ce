//go:build linux

package jail

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// makeDevNodes creates the character device nodes a document kit expects
// to find under /dev inside its chroot: random and urandom, both major 1,
// the same pair the original template-tree setup this replaces seeded by
// hand.
func makeDevNodes(devDir string) error {
	if err := os.MkdirAll(devDir, 0755); err != nil {
		return err
	}
	nodes := []struct {
		name  string
		minor uint32
	}{
		{"random", 8},
		{"urandom", 9},
	}
	for _, n := range nodes {
		path := devDir + "/" + n.name
		_ = os.Remove(path)
		dev := unix.Mkdev(1, n.minor)
		if err := unix.Mknod(path, unix.S_IFCHR|0666, int(dev)); err != nil {
			return fmt.Errorf("mknod %s: %w", path, err)
		}
	}
	return nil
}

func enterAndDrop(root string, debugAsRoot bool) error {
	if err := unix.Chroot(root); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir after chroot: %w", err)
	}
	if debugAsRoot {
		return nil
	}
	if err := dropAllCapabilities(); err != nil {
		return fmt.Errorf("dropping capabilities: %w", err)
	}
	return nil
}

// capHeader/capData mirror struct __user_cap_header_struct and
// struct __user_cap_data_struct from linux/capability.h; the Go runtime
// has no syscall wrapper for capset, so this talks to it directly the
// same way the sandboxing examples in the retrieval pack do.
type capHeader struct {
	version uint32
	pid     int32
}

type capData struct {
	effective   uint32
	permitted   uint32
	inheritable uint32
}

const linuxCapabilityVersion3 = 0x20080522

func capset(hdr *capHeader, data *[2]capData) error {
	if _, _, errno := syscall.Syscall(syscall.SYS_CAPSET,
		uintptr(unsafe.Pointer(hdr)),
		uintptr(unsafe.Pointer(&data[0])), 0); errno != 0 {
		return errno
	}
	return nil
}

// dropAllCapabilities clears every bit of the effective, permitted, and
// inheritable capability sets for the calling process, including
// CAP_SYS_CHROOT, which is the only reason the child needed any
// capability at all. It has nothing left to escape the jail with even if
// the chroot itself were somehow escaped.
func dropAllCapabilities() error {
	hdr := &capHeader{version: linuxCapabilityVersion3, pid: 0}
	data := &[2]capData{{}, {}}
	return capset(hdr, data)
}
