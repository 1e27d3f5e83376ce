// Package supervisor owns the table of child processes: spawning them by
// re-executing the current binary into the child role inside a freshly
// built jail, reaping them when they exit, and tracking which ones have
// back-connected and are free to be paired with a new client session.
//
// Go cannot safely fork() a multi-goroutine process the way the original
// broker forked its worker children, so every child here is a genuinely
// separate process started with os/exec against the supervisor's own
// executable, the same shape the retrieval pack's process-launch helpers
// use for spawning a role-specific child of the same binary.
package supervisor

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docgw/docgwd/config"
	"github.com/docgw/docgwd/jail"
)

// ChildID identifies one child process across its lifetime. It is always
// odd and nonzero, which lets a re-exec'd child's own command line
// (--child=<id>) be distinguished from "no child id given" (zero) without
// a separate boolean flag.
type ChildID uint64

type childEntry struct {
	id     ChildID
	cmd    *exec.Cmd
	jail   *jail.Jail
	exited chan struct{}
	// marked is set once this child has back-connected and been added to
	// Supervisor.available; used to decide whether reaping it
	// should also decrement pendingPreSpawned.
	marked bool
}

// randSource is the pseudorandom source ChildID draws come from. Named as
// its own type (rather than spelling out *rand.Rand everywhere) so the
// field and its constructor read the way spec.md's "pseudorandom source"
// data-model entry does.
type randSource = rand.Rand

func newRand() *randSource {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Supervisor manages the pool of child processes for one docgwd master.
type Supervisor struct {
	cfg        config.Config
	log        *zap.SugaredLogger
	reexecPath string
	lock       *namedMutex

	mu        sync.Mutex
	table     map[ChildID]*childEntry
	available []ChildID
	// pendingPreSpawned counts children that have been forked but have not
	// yet back-connected, per spec.md §4.E.
	pendingPreSpawned int

	rngMu sync.Mutex
	rng   *randSource

	exited chan ChildID
	// availableSignal wakes WaitForAvailable's poll loop whenever
	// MarkAvailable adds an entry; best-effort (capacity 1), since a
	// missed send just means the next select iteration re-checks anyway.
	availableSignal chan struct{}
}

// New builds a Supervisor for cfg, acquiring the named-mutex guard against
// a second master instance running against the same child root.
func New(cfg config.Config, log *zap.SugaredLogger) (*Supervisor, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving re-exec target: %w", err)
	}
	if err := os.MkdirAll(cfg.ChildRoot, 0700); err != nil {
		return nil, fmt.Errorf("preparing child root: %w", err)
	}
	lock, err := acquireNamedMutex(filepath.Join(cfg.ChildRoot, ".docgwd.lock"))
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:             cfg,
		log:             log,
		reexecPath:      exe,
		lock:            lock,
		table:           make(map[ChildID]*childEntry),
		rng:             newRand(),
		exited:          make(chan ChildID, 64),
		availableSignal: make(chan struct{}, 1),
	}, nil
}

// NextChildID allocates a fresh, table-unique, odd nonzero ChildID by
// combining two 32-bit draws as (hi<<32)|lo|1.
func (s *Supervisor) NextChildID() ChildID {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	for {
		hi := uint64(s.rng.Uint32())
		lo := uint64(s.rng.Uint32())
		id := ChildID(hi<<32 | lo | 1)
		if id == 0 {
			continue
		}
		s.mu.Lock()
		_, exists := s.table[id]
		s.mu.Unlock()
		if !exists {
			return id
		}
	}
}

// PreSpawn starts n child processes up front, so a client's first request
// does not have to wait on jail construction and process startup.
func (s *Supervisor) PreSpawn(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if _, err := s.spawnChild(ctx); err != nil {
			return fmt.Errorf("pre-spawning child %d/%d: %w", i+1, n, err)
		}
	}
	return nil
}

func (s *Supervisor) spawnChild(ctx context.Context) (*childEntry, error) {
	id := s.NextChildID()

	j, err := jail.Build(s.cfg.ChildRoot, uint64(id), s.cfg.SysTemplate, s.cfg.LOTemplate, s.cfg.LOSubPath, s.log)
	if err != nil {
		return nil, fmt.Errorf("building jail for child %d: %w", id, err)
	}

	cmd := exec.CommandContext(ctx, s.reexecPath,
		"--child", strconv.FormatUint(uint64(id), 10),
		"--jail", j.Root,
		"--internal-port", strconv.Itoa(s.cfg.InternalPort),
		"--losubpath", s.cfg.LOSubPath,
	)
	cmd.Env = append(os.Environ(), "DOCGWD_INTERNAL=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting child %d: %w", id, err)
	}

	entry := &childEntry{id: id, cmd: cmd, jail: j, exited: make(chan struct{})}
	s.mu.Lock()
	s.table[id] = entry
	s.pendingPreSpawned++
	s.mu.Unlock()

	s.log.Infow("spawned child", "child", id, "pid", cmd.Process.Pid, "jail", j.Root)
	go s.reap(entry)
	return entry, nil
}

func (s *Supervisor) reap(entry *childEntry) {
	err := entry.cmd.Wait()
	close(entry.exited)

	s.mu.Lock()
	delete(s.table, entry.id)
	s.removeAvailableLocked(entry.id)
	if !entry.marked && s.pendingPreSpawned > 0 {
		s.pendingPreSpawned--
	}
	s.mu.Unlock()

	// Any return from Wait means the child is gone; there is no terminal
	// status worth distinguishing beyond that for respawn purposes.
	if err != nil {
		s.log.Warnw("child process exited", "child", entry.id, "err", err)
	} else {
		s.log.Debugw("child process exited", "child", entry.id)
	}

	select {
	case s.exited <- entry.id:
	default:
		s.log.Warnw("exited-child queue full, dropping respawn signal", "child", entry.id)
	}
}

// MarkAvailable records that a pre-spawned child has back-connected and is
// ready to be paired with a client. Called once the internal listener has
// completed the "child <ChildID>" handshake for id.
func (s *Supervisor) MarkAvailable(id ChildID) {
	s.mu.Lock()
	entry, ok := s.table[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !entry.marked {
		entry.marked = true
		if s.pendingPreSpawned > 0 {
			s.pendingPreSpawned--
		}
	}
	s.available = append(s.available, id)
	s.mu.Unlock()

	select {
	case s.availableSignal <- struct{}{}:
	default:
	}
}

// PendingPreSpawned reports how many children have been forked but have
// not yet back-connected.
func (s *Supervisor) PendingPreSpawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingPreSpawned
}

// AvailableCount reports how many ToPrisoner sessions are currently
// registered but not yet claimed by a client.
func (s *Supervisor) AvailableCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.available)
}

// WaitForAvailable claims an available child, pre-spawning one first if
// the pool is empty and nothing is already pending, and blocks until one
// becomes available or ctx is done. This is the path spec.md §8 scenario
// "pool size 0 with a new client connection" exercises.
func (s *Supervisor) WaitForAvailable(ctx context.Context) (ChildID, error) {
	if id, ok := s.ClaimAvailable(); ok {
		return id, nil
	}

	s.mu.Lock()
	needsSpawn := s.pendingPreSpawned == 0
	s.mu.Unlock()
	if needsSpawn {
		if _, err := s.spawnChild(ctx); err != nil {
			return 0, fmt.Errorf("spawning child on demand: %w", err)
		}
	}

	for {
		if id, ok := s.ClaimAvailable(); ok {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.availableSignal:
		}
	}
}

// ClaimAvailable removes and returns the oldest available child, for
// pairing with a newly accepted client connection.
func (s *Supervisor) ClaimAvailable() (ChildID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.available) == 0 {
		return 0, false
	}
	id := s.available[0]
	s.available = s.available[1:]
	return id, true
}

func (s *Supervisor) removeAvailableLocked(id ChildID) {
	for i, a := range s.available {
		if a == id {
			s.available = append(s.available[:i], s.available[i+1:]...)
			return
		}
	}
}

// Has reports whether id is currently a live, tracked child.
func (s *Supervisor) Has(id ChildID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.table[id]
	return ok
}

// ReaperLoop spawns one replacement child whenever the pool has both no
// available child and nothing already pending, the same
// availableChildSessions==0 && pendingPreSpawned==0 condition the original
// reaper checks before creating a replacement, until ctx is done.
func (s *Supervisor) ReaperLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.exited:
			if s.AvailableCount() == 0 && s.PendingPreSpawned() == 0 {
				s.log.Debugw("pool empty after child exit, replenishing", "child", id)
				if _, err := s.spawnChild(ctx); err != nil {
					s.log.Warnw("failed to respawn child", "err", err)
				}
			} else {
				s.log.Debugw("child exited, pool still has capacity", "child", id)
			}
		}
	}
}

// Shutdown kills every live child, waits for them to be reaped, and
// releases the named-mutex guard.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	entries := make([]*childEntry, 0, len(s.table))
	for _, e := range s.table {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		if e.cmd.Process != nil {
			_ = e.cmd.Process.Kill()
		}
	}
	for _, e := range entries {
		<-e.exited
	}
	if err := s.lock.release(); err != nil {
		s.log.Debugw("releasing supervisor lock", "err", err)
	}
}
