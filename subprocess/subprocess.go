// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package subprocess

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Default per-stream buffer sizes. OutputBufferSize caps the bytes
// drained per output callback; InputBufferSize caps pending bytes per
// writable stream (a write beyond it is accepted short).
const (
	DefaultOutputBufferSize = 4 << 20
	DefaultInputBufferSize  = 4 << 20
)

var (
	// ErrUnknownStream is returned for stream names the subprocess
	// does not have.
	ErrUnknownStream = errors.New("unknown stream")

	// ErrStreamClosed is returned for writes to a stream whose end
	// of file has already been signaled.
	ErrStreamClosed = errors.New("stream closed")
)

// Options configures a spawn. The callback set determines which
// streams are captured: a stream with no callback is not captured at
// all (stdout/stderr go to /dev/null, channel output is discarded).
//
// Dispatch is the owner's event loop: every callback, and every
// internal mutation of loop-confined state, is posted through it.
// Callbacks therefore never run concurrently with each other or with
// the owner's own loop work.
type Options struct {
	// Logger receives spawn-side diagnostics. Defaults to
	// slog.Default.
	Logger *slog.Logger

	// Dispatch posts a closure onto the owner's event loop.
	// Required. Closures must run in the order posted.
	Dispatch func(func())

	// OnCompletion fires once, after the process has been reaped and
	// every captured output stream has reported end of file. It is
	// suppressed for a force-failed subprocess: the owner finalized
	// that entry already.
	OnCompletion func(p *Subprocess)

	// OnStateChange fires for Running and Exited. Failed is driven
	// by the owner through [Subprocess.ForceFail], not reported here.
	OnStateChange func(p *Subprocess, state State)

	// OnStdout, OnStderr, and OnChannelOut fire when output is
	// buffered on the named stream, and once more at end of file.
	// Drain with [Subprocess.Read]; an empty read inside the
	// callback means end of file.
	OnStdout     func(p *Subprocess, stream string)
	OnStderr     func(p *Subprocess, stream string)
	OnChannelOut func(p *Subprocess, stream string)

	// OutputBufferSize and InputBufferSize override the defaults
	// above when positive.
	OutputBufferSize int
	InputBufferSize  int
}

// Subprocess is one spawned process under supervision. The process
// runs in its own process group so that signals reach its children.
//
// State, Read, ExitStatus, FailedErrno, and ForceFail are
// loop-confined: call them only from the owner loop (inside callbacks
// or closures posted to Dispatch). Write, CloseStream, Kill, Pid, and
// Command are safe from any goroutine.
type Subprocess struct {
	logger   *slog.Logger
	dispatch func(func())

	command *Command
	execCmd *exec.Cmd
	pid     int

	onCompletion  func(*Subprocess)
	onStateChange func(*Subprocess, State)

	outputSize int

	// Loop-confined lifecycle fields.
	state       State
	status      int
	failedErrno int

	outputs map[string]*outStream
	inputs  map[string]*inStream

	// sharedFiles are channel parent ends, used by both an input and
	// an output stream; the supervisor closes them last.
	sharedFiles []*os.File

	outWait sync.WaitGroup
	inWait  sync.WaitGroup
}

// outStream is one captured output stream. buf and eof are
// loop-confined; the reader goroutine touches them only through
// dispatched closures.
type outStream struct {
	name     string
	r        *os.File
	fire     func(*Subprocess, string)
	keepOpen bool // shared channel file; the supervisor owns closing

	buf []byte
	eof bool
}

// inStream is one writable stream with a bounded pending buffer,
// flushed to the child by a dedicated goroutine.
type inStream struct {
	name       string
	w          *os.File
	limit      int
	closeWrite func() error
	kick       chan struct{}

	mu      sync.Mutex
	pending []byte
	closed  bool
	broken  bool
}

// Spawn starts command in its own process group and begins
// supervising it. On success the Running state change is already
// queued on the owner loop; it is delivered before any output
// callback. Spawn failures (unresolvable program, bad working
// directory, fork failure) are returned synchronously and leave no
// process behind.
func Spawn(command *Command, opts Options) (*Subprocess, error) {
	if err := command.Validate(); err != nil {
		return nil, err
	}
	if opts.Dispatch == nil {
		return nil, fmt.Errorf("dispatch function is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	outputSize := opts.OutputBufferSize
	if outputSize <= 0 {
		outputSize = DefaultOutputBufferSize
	}
	inputSize := opts.InputBufferSize
	if inputSize <= 0 {
		inputSize = DefaultInputBufferSize
	}

	path, err := exec.LookPath(command.Argv[0])
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", command.Argv[0], err)
	}

	p := &Subprocess{
		logger:        logger,
		dispatch:      opts.Dispatch,
		command:       command,
		onCompletion:  opts.OnCompletion,
		onStateChange: opts.OnStateChange,
		outputSize:    outputSize,
		state:         Starting,
		outputs:       make(map[string]*outStream),
		inputs:        make(map[string]*inStream),
	}

	execCmd := &exec.Cmd{
		Path:        path,
		Args:        command.Argv,
		Dir:         command.Dir,
		Env:         command.EnvList(),
		SysProcAttr: &syscall.SysProcAttr{Setpgid: true},
	}

	// Descriptors created so far, split by which side of the fork
	// keeps them. On any error before Start, everything is closed.
	var parentFiles, childFiles []*os.File
	fail := func(err error) (*Subprocess, error) {
		for _, f := range parentFiles {
			f.Close()
		}
		for _, f := range childFiles {
			f.Close()
		}
		return nil, err
	}

	// stdin is always writable, whether or not the caller ever
	// writes: the child must see a real descriptor it can read EOF
	// from.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("stdin pipe: %w", err))
	}
	childFiles = append(childFiles, stdinR)
	parentFiles = append(parentFiles, stdinW)
	execCmd.Stdin = stdinR
	p.inputs[StreamStdin] = &inStream{
		name:       StreamStdin,
		w:          stdinW,
		limit:      inputSize,
		closeWrite: stdinW.Close,
		kick:       make(chan struct{}, 1),
	}

	if opts.OnStdout != nil {
		r, w, err := os.Pipe()
		if err != nil {
			return fail(fmt.Errorf("stdout pipe: %w", err))
		}
		childFiles = append(childFiles, w)
		parentFiles = append(parentFiles, r)
		execCmd.Stdout = w
		p.outputs[StreamStdout] = &outStream{name: StreamStdout, r: r, fire: opts.OnStdout}
	}
	if opts.OnStderr != nil {
		r, w, err := os.Pipe()
		if err != nil {
			return fail(fmt.Errorf("stderr pipe: %w", err))
		}
		childFiles = append(childFiles, w)
		parentFiles = append(parentFiles, r)
		execCmd.Stderr = w
		p.outputs[StreamStderr] = &outStream{name: StreamStderr, r: r, fire: opts.OnStderr}
	}

	// Each auxiliary channel is a socketpair. The child end lands on
	// descriptor 3+i; the channel's name is published to the child
	// as an environment variable holding that number.
	for i, name := range command.Channels {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return fail(fmt.Errorf("channel %s socketpair: %w", name, err))
		}
		parentEnd := os.NewFile(uintptr(fds[0]), name)
		childEnd := os.NewFile(uintptr(fds[1]), name)
		parentFiles = append(parentFiles, parentEnd)
		childFiles = append(childFiles, childEnd)
		execCmd.ExtraFiles = append(execCmd.ExtraFiles, childEnd)
		execCmd.Env = append(execCmd.Env, fmt.Sprintf("%s=%d", name, 3+i))

		p.inputs[name] = &inStream{
			name:       name,
			w:          parentEnd,
			limit:      inputSize,
			closeWrite: shutdownWrite(parentEnd),
			kick:       make(chan struct{}, 1),
		}
		p.sharedFiles = append(p.sharedFiles, parentEnd)
		if opts.OnChannelOut != nil {
			p.outputs[name] = &outStream{name: name, r: parentEnd, fire: opts.OnChannelOut, keepOpen: true}
		}
	}

	if err := execCmd.Start(); err != nil {
		return fail(fmt.Errorf("starting %s: %w", command.Argv[0], err))
	}
	p.execCmd = execCmd
	p.pid = execCmd.Process.Pid

	// Close child-side descriptors in the parent. The child has its
	// own copies; keeping ours open would mask stream EOFs.
	for _, f := range childFiles {
		f.Close()
	}

	// Queue Running before starting the readers so that it reaches
	// the owner loop ahead of any output.
	p.dispatch(func() {
		if p.state != Starting {
			return
		}
		p.state = Running
		if p.onStateChange != nil {
			p.onStateChange(p, Running)
		}
	})

	for _, s := range p.outputs {
		p.outWait.Add(1)
		go p.readLoop(s)
	}
	if opts.OnChannelOut == nil {
		// Channel output nobody subscribed to is still drained so
		// the child never blocks writing it.
		for _, f := range p.sharedFiles {
			go func(f *os.File) {
				_, _ = io.Copy(io.Discard, f)
			}(f)
		}
	}
	for _, s := range p.inputs {
		p.inWait.Add(1)
		go p.flushLoop(s)
	}
	go p.supervise()

	return p, nil
}

// Pid returns the OS process id.
func (p *Subprocess) Pid() int {
	return p.pid
}

// Command returns the command this subprocess was spawned from.
func (p *Subprocess) Command() *Command {
	return p.command
}

// State returns the lifecycle state. Owner-loop only.
func (p *Subprocess) State() State {
	return p.state
}

// ExitStatus returns the raw wait(2) status. Valid once the state is
// Exited. Owner-loop only.
func (p *Subprocess) ExitStatus() int {
	return p.status
}

// FailedErrno returns the errno recorded by ForceFail. Owner-loop
// only.
func (p *Subprocess) FailedErrno() int {
	return p.failedErrno
}

// ForceFail flips the subprocess to Failed and records errno. After
// this no further callbacks are delivered; the owner is expected to
// send the terminal response and kill the process group itself.
// Owner-loop only.
func (p *Subprocess) ForceFail(errno int) {
	p.state = Failed
	p.failedErrno = errno
}

// Kill sends sig to the subprocess's process group.
func (p *Subprocess) Kill(sig unix.Signal) error {
	return unix.Kill(-p.pid, sig)
}

// Read drains and returns the bytes buffered for an output stream.
// Inside an output callback, an empty result means the stream reached
// end of file. Owner-loop only.
func (p *Subprocess) Read(stream string) []byte {
	s := p.outputs[stream]
	if s == nil {
		return nil
	}
	data := s.buf
	s.buf = nil
	return data
}

// Write appends data to the pending buffer of a writable stream
// (stdin or a channel) and returns how many bytes were accepted. An
// acceptance short of len(data) means the pending buffer is full.
func (p *Subprocess) Write(stream string, data []byte) (int, error) {
	s := p.inputs[stream]
	if s == nil {
		return 0, fmt.Errorf("stream %q: %w", stream, ErrUnknownStream)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, fmt.Errorf("stream %q: %w", stream, ErrStreamClosed)
	}
	n := min(s.limit-len(s.pending), len(data))
	if n > 0 {
		s.pending = append(s.pending, data[:n]...)
	}
	s.mu.Unlock()
	s.wake()
	return n, nil
}

// CloseStream signals end of file on a writable stream after any
// pending bytes have been flushed. Closing an already-closed stream
// is a no-op.
func (p *Subprocess) CloseStream(stream string) error {
	s := p.inputs[stream]
	if s == nil {
		return fmt.Errorf("stream %q: %w", stream, ErrUnknownStream)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.wake()
	return nil
}

func (s *inStream) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// readLoop moves bytes from one output descriptor onto the owner
// loop. Every chunk, and the final end-of-file, arrives as a posted
// closure so buffer state stays loop-confined.
func (p *Subprocess) readLoop(s *outStream) {
	defer p.outWait.Done()
	if !s.keepOpen {
		defer s.r.Close()
	}
	buf := make([]byte, p.outputSize)
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			p.dispatch(func() {
				if p.state == Failed {
					return
				}
				s.buf = append(s.buf, chunk...)
				s.fire(p, s.name)
			})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.logger.Debug("subprocess output read failed",
					"pid", p.pid, "stream", s.name, "error", err)
			}
			p.dispatch(func() {
				if p.state == Failed {
					return
				}
				s.eof = true
				s.fire(p, s.name)
			})
			return
		}
	}
}

// flushLoop writes pending input to the child. A write failure
// (typically EPIPE from a child that exited with input pending) marks
// the stream broken: further bytes are accepted and dropped.
func (p *Subprocess) flushLoop(s *inStream) {
	defer p.inWait.Done()
	for {
		s.mu.Lock()
		data := s.pending
		s.pending = nil
		closed := s.closed
		broken := s.broken
		s.mu.Unlock()

		if len(data) > 0 && !broken {
			if _, err := s.w.Write(data); err != nil {
				p.logger.Debug("subprocess input write failed",
					"pid", p.pid, "stream", s.name, "error", err)
				s.mu.Lock()
				s.broken = true
				s.mu.Unlock()
			}
		}
		if closed {
			if err := s.closeWrite(); err != nil {
				p.logger.Debug("closing subprocess input",
					"pid", p.pid, "stream", s.name, "error", err)
			}
			return
		}
		<-s.kick
	}
}

// supervise reaps the process, waits for the captured output streams
// to finish, tears down input streams, and posts the terminal Exited
// and completion callbacks. If the owner force-failed the subprocess
// in the meantime, the posted closure finds state Failed and delivers
// nothing.
func (p *Subprocess) supervise() {
	waitErr := p.execCmd.Wait()

	status := -1
	if ps := p.execCmd.ProcessState; ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
			status = int(ws)
		}
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		p.logger.Debug("subprocess wait failed", "pid", p.pid, "error", waitErr)
	}

	// Output EOFs must be on the owner loop before Exited: the
	// readers post their end-of-file closures and then release
	// outWait, so once Wait returns here, everything they produced
	// is queued ahead of the closure below.
	p.outWait.Wait()

	for name := range p.inputs {
		_ = p.CloseStream(name)
	}
	p.inWait.Wait()
	for _, f := range p.sharedFiles {
		f.Close()
	}

	p.dispatch(func() {
		if p.state == Failed {
			return
		}
		p.status = status
		p.state = Exited
		if p.onStateChange != nil {
			p.onStateChange(p, Exited)
		}
		if p.onCompletion != nil {
			p.onCompletion(p)
		}
	})
}

// shutdownWrite half-closes a socketpair end so the child sees EOF
// while the parent keeps reading channel output.
func shutdownWrite(f *os.File) func() error {
	return func() error {
		sc, err := f.SyscallConn()
		if err != nil {
			return err
		}
		var serr error
		if cerr := sc.Control(func(fd uintptr) {
			serr = unix.Shutdown(int(fd), unix.SHUT_WR)
		}); cerr != nil {
			return cerr
		}
		return serr
	}
}
