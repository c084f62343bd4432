// Package aresolv is a poor man's asynchronous name resolver. It moves
// blocking address lookups into a separate worker process connected by two
// pipes, so a single-threaded caller can keep running its own event loop and
// only drain results when the result pipe polls readable. The worker still
// resolves strictly one request at a time, so for large request volumes it
// stays slow; the point is that the caller never blocks on the lookup
// itself.
package aresolv

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Config configures a Resolver. A nil Config or zero fields mean defaults.
type Config struct {
	// Nameserver, when set, is the DNS server the worker queries instead of
	// the system default. A bare host gets port 53 appended.
	Nameserver string

	// CheckInterval is the period of the worker's orphan self-check.
	// Defaults to one second.
	CheckInterval time.Duration

	// Logger receives client-side diagnostics. Defaults to the standard
	// logrus logger.
	Logger log.FieldLogger
}

// Response is one completed lookup as returned by Fetch.
//
// Err is non-nil when the lookup itself failed; Records is then empty.
// Records may also be empty with a nil Err when the name resolved but
// yielded no address matching the request policy.
type Response struct {
	Tag     Tag
	Records []AddressRecord
	Err     *LookupError
}

var errNotStarted = errors.New("resolver not started")

// Resolver is a handle to one worker process. Each handle owns its worker,
// so independent resolvers can coexist in one process. A handle is
// single-caller: one writer submitting, one consumer fetching.
type Resolver struct {
	nameserver    string
	checkInterval time.Duration
	logger        log.FieldLogger

	cmd     *exec.Cmd
	reqW    int
	resR    int
	stopped bool
	broken  bool
}

// New creates an unstarted Resolver.
func New(conf *Config) *Resolver {
	if conf == nil {
		conf = &Config{}
	}

	r := &Resolver{
		nameserver:    conf.Nameserver,
		checkInterval: conf.CheckInterval,
		logger:        conf.Logger,
		reqW:          -1,
		resR:          -1,
	}
	if r.checkInterval <= 0 {
		r.checkInterval = time.Second
	}
	if r.logger == nil {
		r.logger = log.StandardLogger()
	}

	return r
}

// Start spawns the worker process and wires the two pipes. The embedding
// program must call Init at the top of main, otherwise the spawned child
// runs the caller's main instead of the worker loop. Starting an already
// started handle is an error.
func (r *Resolver) Start() error {
	if r.cmd != nil {
		return errors.New("resolver already started")
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot determine executable: %w", err)
	}

	var reqPipe, resPipe [2]int
	if err := unix.Pipe2(reqPipe[:], unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("cannot create request pipe: %w", err)
	}
	if err := unix.Pipe2(resPipe[:], unix.O_CLOEXEC); err != nil {
		unix.Close(reqPipe[0])
		unix.Close(reqPipe[1])
		return fmt.Errorf("cannot create result pipe: %w", err)
	}

	// The child ends travel as fds 3 and 4; ExtraFiles dups them past
	// O_CLOEXEC.
	childIn := os.NewFile(uintptr(reqPipe[0]), "aresolv|request-read")
	childOut := os.NewFile(uintptr(resPipe[1]), "aresolv|result-write")

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(),
		workerEnvVar+"=1",
		nameserverEnvVar+"="+r.nameserver,
		intervalEnvVar+"="+r.checkInterval.String(),
	)
	cmd.ExtraFiles = []*os.File{childIn, childOut}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		childIn.Close()
		childOut.Close()
		unix.Close(reqPipe[1])
		unix.Close(resPipe[0])
		return fmt.Errorf("cannot start resolver worker: %w", err)
	}

	// Parent keeps the opposite ends only.
	childIn.Close()
	childOut.Close()
	unix.SetNonblock(resPipe[0], true)

	r.cmd = cmd
	r.reqW = reqPipe[1]
	r.resR = resPipe[0]
	r.logger.Debugf("started resolver worker (pid=%d)", cmd.Process.Pid)

	return nil
}

// Ready returns the result pipe's read end for the caller's own poll or
// select loop. It polls readable when at least one response is waiting; call
// Fetch then. The fd is in non-blocking mode; do not read from it directly.
func (r *Resolver) Ready() int {
	return r.resR
}

// Submit enqueues one lookup with the default policy. It returns once the
// request frame is written; the write blocks when the pipe buffer is full.
// Nothing is written when host or service exceed their limits.
func (r *Resolver) Submit(tag Tag, host, service string) error {
	return r.SubmitPolicy(tag, host, service, DefaultPolicy)
}

// SubmitPolicy is Submit with an explicit lookup policy.
func (r *Resolver) SubmitPolicy(tag Tag, host, service string, policy Policy) error {
	if r.cmd == nil || r.stopped {
		return errNotStarted
	}
	if r.broken {
		return ErrTransport
	}

	req := &request{tag: tag, policy: policy, host: host, service: service}
	if err := req.validate(); err != nil {
		return err
	}

	if err := writeRequest(r.reqW, req); err != nil {
		r.broken = true
		return err
	}

	return nil
}

// Fetch reads exactly one response. Call it only after Ready polled
// readable; the result pipe is switched to blocking for the duration of the
// frame read and back afterwards. Responses come back in submission order.
// Not safe for concurrent use on one handle.
func (r *Resolver) Fetch() (*Response, error) {
	if r.cmd == nil || r.stopped {
		return nil, errNotStarted
	}
	if r.broken {
		return nil, ErrTransport
	}

	unix.SetNonblock(r.resR, false)
	defer unix.SetNonblock(r.resR, true)

	resp, err := readResponse(r.resR)
	if err != nil {
		r.broken = true
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: worker closed the result channel", ErrTransport)
		}
		return nil, err
	}

	return resp, nil
}

// Stop asks the worker to terminate and closes the request pipe. It does not
// wait for the worker; reaping it is the caller's job via Wait.
func (r *Resolver) Stop() error {
	if r.cmd == nil || r.stopped {
		return errNotStarted
	}
	r.stopped = true

	unix.Close(r.reqW)
	r.reqW = -1

	if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("cannot signal resolver worker: %w", err)
	}

	return nil
}

// Wait reaps the terminated worker and releases the result pipe. Call it
// after Stop, or once the worker died on its own.
func (r *Resolver) Wait() error {
	if r.cmd == nil {
		return errNotStarted
	}

	err := r.cmd.Wait()

	if r.resR >= 0 {
		unix.Close(r.resR)
		r.resR = -1
	}
	if r.reqW >= 0 {
		unix.Close(r.reqW)
		r.reqW = -1
	}

	return err
}
