package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// EnvWorkerID is set in a worker's environment by the supervisor. Its
// presence tells a process it is a worker rather than the parent.
const EnvWorkerID = "TURBO_WORKER_ID"

const (
	defaultBackoff = 250 * time.Millisecond
	defaultGrace   = 10 * time.Second
)

// IsWorker reports whether this process was spawned by a supervisor.
func IsWorker() bool {
	return os.Getenv(EnvWorkerID) != ""
}

// WorkerID returns this worker's index, or -1 in the supervisor.
func WorkerID() int {
	v := os.Getenv(EnvWorkerID)
	if v == "" {
		return -1
	}
	id, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return id
}

// Supervisor runs N worker processes and keeps them running. Workers
// are fully independent: each binds its own SO_REUSEPORT listener, so
// a crash takes down one accept queue share, not the service.
type Supervisor struct {
	// Command builds the process for one worker slot. The default
	// re-executes this binary with the same arguments; the worker id
	// is injected into the environment either way.
	Command func(id int) *exec.Cmd

	// Backoff is the pause before respawning a dead worker.
	Backoff time.Duration

	// Grace bounds the wait for workers after SIGTERM before they are
	// killed outright.
	Grace time.Duration

	log   *logrus.Logger
	count int

	mu    sync.Mutex
	procs map[int]*os.Process
}

// NewSupervisor creates a supervisor for count workers. A count of
// zero or less means one worker per CPU.
func NewSupervisor(log *logrus.Logger, count int) *Supervisor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if count <= 0 {
		count = runtime.NumCPU()
	}
	return &Supervisor{
		Command: selfCommand,
		Backoff: defaultBackoff,
		Grace:   defaultGrace,
		log:     log,
		count:   count,
		procs:   make(map[int]*os.Process),
	}
}

// Count reports the configured worker count.
func (s *Supervisor) Count() int { return s.count }

func selfCommand(id int) *exec.Cmd {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

type exitEvent struct {
	id  int
	err error
}

// Run spawns the workers and respawns any that exit, until ctx is
// cancelled. Cancellation forwards SIGTERM to every worker and waits
// up to Grace before escalating to SIGKILL.
func (s *Supervisor) Run(ctx context.Context) error {
	exits := make(chan exitEvent, s.count)
	live := 0

	for id := 0; id < s.count; id++ {
		if err := s.spawn(id, exits); err != nil {
			s.signalAll(syscall.SIGTERM)
			for live > 0 {
				<-exits
				live--
			}
			return fmt.Errorf("spawn worker %d: %w", id, err)
		}
		live++
	}

	for {
		select {
		case <-ctx.Done():
			return s.drain(live, exits)

		case ev := <-exits:
			live--
			s.log.WithFields(logrus.Fields{
				"worker": ev.id,
				"error":  ev.err,
			}).Warn("worker exited, respawning")

			time.Sleep(s.Backoff)
			if ctx.Err() != nil {
				return s.drain(live, exits)
			}
			if err := s.spawn(ev.id, exits); err != nil {
				s.log.WithError(err).WithField("worker", ev.id).Error("respawn failed")
				if live == 0 {
					return fmt.Errorf("all workers down, respawn failed: %w", err)
				}
				continue
			}
			live++
		}
	}
}

// drain tells every worker to stop and waits for the remaining exits.
func (s *Supervisor) drain(live int, exits <-chan exitEvent) error {
	s.log.WithField("workers", live).Info("supervisor stopping")
	s.signalAll(syscall.SIGTERM)

	deadline := time.After(s.Grace)
	killed := false
	for live > 0 {
		select {
		case <-exits:
			live--
		case <-deadline:
			if killed {
				return errors.New("workers did not exit after SIGKILL")
			}
			killed = true
			s.signalAll(syscall.SIGKILL)
			deadline = time.After(2 * time.Second)
		}
	}
	return nil
}

func (s *Supervisor) spawn(id int, exits chan<- exitEvent) error {
	cmd := s.Command(id)
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, EnvWorkerID+"="+strconv.Itoa(id))

	if err := cmd.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	s.procs[id] = cmd.Process
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"worker": id,
		"pid":    cmd.Process.Pid,
	}).Info("worker started")

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		delete(s.procs, id)
		s.mu.Unlock()
		exits <- exitEvent{id: id, err: err}
	}()
	return nil
}

func (s *Supervisor) signalAll(sig syscall.Signal) {
	s.mu.Lock()
	procs := make([]*os.Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		p.Signal(sig)
	}
}
