// Package jail builds and enters the per-child chroot sandbox: a
// replicated copy of a system template tree plus a document-kit
// installation, with device nodes the kit needs and a dropped
// capability/privilege set once the child process has chrooted into it.
package jail

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
)

// Jail is a built sandbox directory ready for a child process to chroot
// into.
type Jail struct {
	// Root is the directory that becomes "/" once a child enters the jail.
	Root string
	// LOPath is where the document kit's installation tree lives inside
	// Root, expressed as a path relative to Root (i.e. as it will appear
	// once the child has chrooted: add a leading "/").
	LOPath string
}

// Build replicates sysTemplate and loTemplate into a fresh directory under
// root named after childID, and returns a Jail describing the result.
// Replication prefers hardlinks over copies, matching the original
// template-tree setup this supersedes: most of a document kit install is
// read-only and shared across every child, so linking avoids duplicating
// gigabytes of shared libraries and fonts per child.
func Build(root string, childID uint64, sysTemplate, loTemplate, loSubPath string, log *zap.SugaredLogger) (*Jail, error) {
	childRoot := filepath.Join(root, strconv.FormatUint(childID, 10))
	if err := os.MkdirAll(childRoot, 0700); err != nil {
		return nil, fmt.Errorf("creating jail root: %w", err)
	}

	if err := replicateTree(sysTemplate, childRoot, log); err != nil {
		return nil, fmt.Errorf("replicating system template: %w", err)
	}

	loDest := filepath.Join(childRoot, loSubPath)
	if err := replicateTree(loTemplate, loDest, log); err != nil {
		return nil, fmt.Errorf("replicating document kit template: %w", err)
	}

	// Device-node creation has no portable implementation outside Linux;
	// a failure here is non-fatal to building the jail (spec-classified
	// as log-and-continue), since the rest of the jail is still usable
	// for anything that doesn't need /dev/random or /dev/urandom.
	if err := makeDevNodes(filepath.Join(childRoot, "dev")); err != nil {
		logDebugw(log, "device node creation failed, continuing without them", "err", err)
	}

	return &Jail{Root: childRoot, LOPath: "/" + loSubPath}, nil
}

// Enter chroots the calling process into the jail, changes its working
// directory to the new root, and drops the privileges it needed to set
// the chroot up in the first place. It must be called from the child
// branch of a freshly re-exec'd process, before any of the child's own
// goroutines start touching the filesystem, since chroot only affects
// path resolution from this point forward.
//
// debugAsRoot skips the privilege drop, for running under a debugger as
// an unprivileged developer who could not have chrooted in the first
// place.
func (j *Jail) Enter(debugAsRoot bool) error {
	return enterAndDrop(j.Root, debugAsRoot)
}
