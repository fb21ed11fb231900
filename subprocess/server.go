// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package subprocess

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/lattice-foundation/lattice/bus"
	"github.com/lattice-foundation/lattice/lib/ioenc"
)

// EnvURI is the environment variable holding this node's bus address,
// injected into every spawned command's environment.
const EnvURI = "LATTICE_URI"

// AuthFunc authorizes one inbound request. A nil return permits; an
// error denies, and the error text is forwarded verbatim to the
// requester as the denial reason.
type AuthFunc func(req *bus.Message) error

// ErrShutdownStarted is returned by [Server.Shutdown] when a drain is
// already outstanding.
var ErrShutdownStarted = errors.New("shutdown already in progress")

// ServerConfig configures a Server.
type ServerConfig struct {
	// Conn is the bus connection the server serves on. The server
	// registers the "rexec" service on it and runs entirely on its
	// dispatch loop. Required.
	Conn *bus.Conn

	// LocalURI is this node's bus address, injected into every
	// spawned command's environment as LATTICE_URI. Required.
	LocalURI string

	// Rank is this node's numeric identity, stamped into state and
	// output responses.
	Rank int

	// Auth, when set, is consulted on exec, write, kill, and list
	// requests. Nil admits everything.
	Auth AuthFunc

	// Logger for server diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// OutputBufferSize and InputBufferSize bound each subprocess's
	// stream buffers. Zero means the package defaults.
	OutputBufferSize int
	InputBufferSize  int
}

// Server is the remote-execution core: it owns the live-subprocess
// registry and serves the five rexec topics on one bus connection.
// Handlers, lifecycle callbacks, and posted closures all run on the
// connection's dispatch loop, so the registry needs no locking and no
// entry is ever mutated concurrently.
type Server struct {
	conn     *bus.Conn
	logger   *slog.Logger
	localURI string
	rank     int
	auth     AuthFunc

	outputSize int
	inputSize  int

	// procs holds *entry values in spawn order. Each entry stashes
	// its own element so it can remove itself in O(1), including
	// from inside an iteration visiting it.
	procs *list.List

	// drain is non-nil once Shutdown has been called. It closes when
	// the registry empties.
	drain   chan struct{}
	drained bool
}

// entry is the server's bookkeeping record for one live subprocess.
// It retains the originating exec request for its entire lifetime:
// every response routes through it, and its sender identity is what
// disconnect notifications match against.
type entry struct {
	proc *Subprocess
	req  *bus.Message
	elem *list.Element
}

// NewServer mounts a subprocess server on a bus connection.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Conn == nil {
		return nil, fmt.Errorf("bus connection is required")
	}
	if config.LocalURI == "" {
		return nil, fmt.Errorf("local URI is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		conn:       config.Conn,
		logger:     logger,
		localURI:   config.LocalURI,
		rank:       config.Rank,
		auth:       config.Auth,
		outputSize: config.OutputBufferSize,
		inputSize:  config.InputBufferSize,
		procs:      list.New(),
	}
	s.conn.HandleFunc(TopicExec, s.handleExec)
	s.conn.HandleFunc(TopicWrite, s.handleWrite)
	s.conn.HandleFunc(TopicKill, s.handleKill)
	s.conn.HandleFunc(TopicList, s.handleList)
	s.conn.HandleFunc(TopicDisconnect, s.handleDisconnect)
	if err := s.conn.Register(ServiceName); err != nil {
		return nil, fmt.Errorf("registering %s service: %w", ServiceName, err)
	}
	return s, nil
}

// saveEntry appends e to the registry and stashes its element for
// later removal.
func (s *Server) saveEntry(e *entry) {
	e.elem = s.procs.PushBack(e)
}

// deleteEntry removes e from the registry exactly once. When the
// registry empties with a drain outstanding, the drain completes
// here, on the same loop turn that performed the removal.
func (s *Server) deleteEntry(e *entry) {
	if e.elem == nil {
		return
	}
	s.procs.Remove(e.elem)
	e.elem = nil
	if s.procs.Len() == 0 && s.drain != nil && !s.drained {
		s.drained = true
		close(s.drain)
	}
}

// findByPid scans the registry. Linear: live process counts are tens,
// not thousands, and this path is not latency-critical.
func (s *Server) findByPid(pid int) *entry {
	for elem := s.procs.Front(); elem != nil; elem = elem.Next() {
		if e := elem.Value.(*entry); e.proc.Pid() == pid {
			return e
		}
	}
	return nil
}

// forEach visits every live entry. The successor is captured before
// each visit, so the visited entry may delete itself.
func (s *Server) forEach(visit func(*entry)) {
	for elem := s.procs.Front(); elem != nil; {
		next := elem.Next()
		visit(elem.Value.(*entry))
		elem = next
	}
}

// procStateChange implements the state-transition half of the exec
// response protocol. Exited responses carry the wait status and no
// pid; Failed responses are terminal errors carrying the captured
// errno, and remove the entry.
func (s *Server) procStateChange(e *entry, state State) {
	var err error
	switch state {
	case Running:
		err = s.conn.Respond(e.req, StateResponse{
			Type:  ResponseTypeState,
			Rank:  s.rank,
			Pid:   e.proc.Pid(),
			State: state,
		})
	case Exited:
		status := e.proc.ExitStatus()
		err = s.conn.Respond(e.req, StateResponse{
			Type:   ResponseTypeState,
			Rank:   s.rank,
			State:  state,
			Status: &status,
		})
	case Failed:
		err = s.conn.RespondError(e.req, e.proc.FailedErrno(), "")
		s.deleteEntry(e)
	default:
		s.logger.Error("illegal subprocess state",
			"pid", e.proc.Pid(), "state", int(state))
		s.procFatal(e, int(unix.EPROTO))
		return
	}
	if err != nil {
		s.logger.Error("error responding to rexec.exec request", "error", err)
	}
}

// procCompletion finalizes a subprocess that finished on its own: the
// ENODATA terminal response tells the requester the stream is over.
// A Failed entry already received its terminal error response in
// procStateChange. The entry is removed on every path.
func (s *Server) procCompletion(e *entry) {
	if e.proc.State() != Failed {
		if err := s.conn.RespondError(e.req, int(unix.ENODATA), ""); err != nil {
			s.logger.Error("error responding to rexec.exec request", "error", err)
		}
	}
	s.deleteEntry(e)
}

// procOutput drains one output stream and forwards it. An empty
// drain means the stream hit end of file, reported as an EOF-marked
// chunk so the requester can close out that stream.
func (s *Server) procOutput(e *entry, stream string) {
	rank := strconv.Itoa(s.rank)
	var chunk ioenc.Chunk
	if data := e.proc.Read(stream); len(data) > 0 {
		chunk = ioenc.New(stream, rank, data)
	} else {
		chunk = ioenc.NewEOF(stream, rank)
	}
	err := s.conn.Respond(e.req, OutputResponse{
		Type: ResponseTypeOutput,
		Rank: s.rank,
		Pid:  e.proc.Pid(),
		IO:   chunk,
	})
	if err != nil {
		s.logger.Error("error responding to rexec.exec request", "error", err)
		s.procFatal(e, int(unix.EPIPE))
	}
}

// procFatal is the internal fault path: force the subprocess to
// Failed, deliver the terminal error response through the normal
// state-change logic, and kill the process group. A second fault on
// the same entry is a no-op.
func (s *Server) procFatal(e *entry, errno int) {
	if e.proc.State() == Failed {
		return
	}
	e.proc.ForceFail(errno)
	s.procStateChange(e, Failed)
	if err := e.proc.Kill(unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Error("killing failed subprocess",
			"pid", e.proc.Pid(), "error", err)
	}
}

func (s *Server) handleExec(msg *bus.Message) {
	var req ExecRequest
	if err := msg.Decode(&req); err != nil {
		s.respondExecError(msg, int(unix.EPROTO), "error parsing command string")
		return
	}
	if s.drain != nil {
		s.respondExecError(msg, int(unix.ENOSYS), "subprocess server is shutting down")
		return
	}
	if s.auth != nil {
		if err := s.auth(msg); err != nil {
			s.respondExecError(msg, int(unix.EPERM), err.Error())
			return
		}
	}
	if req.Command == nil {
		s.respondExecError(msg, int(unix.EPROTO), "error parsing command string")
		return
	}
	command := req.Command
	if err := command.Validate(); err != nil {
		if errors.Is(err, ErrEmptyCommand) {
			s.respondExecError(msg, int(unix.EPROTO), ErrEmptyCommand.Error())
		} else {
			s.respondExecError(msg, int(unix.EPROTO), "error parsing command string")
		}
		return
	}

	// A command with no environment of its own inherits the
	// daemon's. Either way the child can reach the bus.
	if len(command.Env) == 0 {
		command.InheritEnv(os.Environ())
	}
	command.SetEnv(EnvURI, s.localURI)

	e := &entry{req: msg}
	opts := Options{
		Logger:           s.logger,
		Dispatch:         s.conn.Post,
		OutputBufferSize: s.outputSize,
		InputBufferSize:  s.inputSize,
		OnCompletion: func(*Subprocess) {
			s.procCompletion(e)
		},
		OnStateChange: func(_ *Subprocess, state State) {
			s.procStateChange(e, state)
		},
	}
	if req.OnStdout {
		opts.OnStdout = func(_ *Subprocess, stream string) { s.procOutput(e, stream) }
	}
	if req.OnStderr {
		opts.OnStderr = func(_ *Subprocess, stream string) { s.procOutput(e, stream) }
	}
	if req.OnChannelOut {
		opts.OnChannelOut = func(_ *Subprocess, stream string) { s.procOutput(e, stream) }
	}

	proc, err := Spawn(command, opts)
	if err != nil {
		s.respondExecError(msg, spawnErrno(err), "exec failed")
		return
	}
	e.proc = proc
	s.saveEntry(e)
	s.logger.Info("subprocess started",
		"pid", proc.Pid(), "cmd", command.Argv[0], "requester", msg.Sender)
}

func (s *Server) handleWrite(msg *bus.Message) {
	var req WriteRequest
	if err := msg.Decode(&req); err != nil {
		// Fire-and-forget topic: nothing to respond to.
		s.logger.Error("malformed rexec.write request", "error", err)
		return
	}
	if s.auth != nil {
		if err := s.auth(msg); err != nil {
			s.logger.Error("rexec.write request denied", "error", err)
			return
		}
	}
	if err := req.IO.Validate(); err != nil {
		s.logger.Error("malformed rexec.write chunk", "error", err)
		return
	}
	e := s.findByPid(req.Pid)
	if e == nil {
		// EOF writes race subprocess completion constantly; only a
		// data write to a missing pid is worth a log line.
		if !req.IO.EOF {
			s.logger.Error("rexec.write to unknown pid",
				"pid", req.Pid, "stream", req.IO.Stream)
		}
		return
	}
	// The subprocess may have exited or been killed since the write
	// was sent. Drop the chunk.
	if e.proc.State() != Running {
		return
	}
	if len(req.IO.Data) > 0 {
		n, err := e.proc.Write(req.IO.Stream, req.IO.Data)
		if err != nil {
			s.logger.Error("rexec.write failed",
				"pid", req.Pid, "stream", req.IO.Stream, "error", err)
			s.procFatal(e, writeErrno(err))
			return
		}
		if n != len(req.IO.Data) {
			s.logger.Error("channel buffer overflow",
				"rank", s.rank, "pid", req.Pid, "stream", req.IO.Stream, "len", len(req.IO.Data))
			s.procFatal(e, int(unix.EOVERFLOW))
			return
		}
	}
	if req.IO.EOF {
		if err := e.proc.CloseStream(req.IO.Stream); err != nil {
			s.logger.Error("closing subprocess stream failed",
				"pid", req.Pid, "stream", req.IO.Stream, "error", err)
			s.procFatal(e, writeErrno(err))
		}
	}
}

func (s *Server) handleKill(msg *bus.Message) {
	var req KillRequest
	if err := msg.Decode(&req); err != nil {
		s.respondControlError(msg, TopicKill, int(unix.EPROTO), "")
		return
	}
	if s.auth != nil {
		if err := s.auth(msg); err != nil {
			s.respondControlError(msg, TopicKill, int(unix.EPERM), err.Error())
			return
		}
	}
	e := s.findByPid(req.Pid)
	if e == nil {
		s.respondControlError(msg, TopicKill, int(unix.ENOENT), "")
		return
	}
	if err := e.proc.Kill(unix.Signal(req.Signum)); err != nil {
		s.respondControlError(msg, TopicKill, errnoOf(err, unix.EINVAL), "")
		return
	}
	if err := s.conn.Respond(msg, struct{}{}); err != nil {
		s.logger.Error("error responding to rexec.kill request", "error", err)
	}
}

func (s *Server) handleList(msg *bus.Message) {
	if s.auth != nil {
		if err := s.auth(msg); err != nil {
			s.respondControlError(msg, TopicList, int(unix.EPERM), err.Error())
			return
		}
	}
	procs := make([]ProcInfo, 0, s.procs.Len())
	s.forEach(func(e *entry) {
		procs = append(procs, ProcInfo{Pid: e.proc.Pid(), Cmd: e.proc.Command().Argv[0]})
	})
	if err := s.conn.Respond(msg, ListResponse{Rank: s.rank, Procs: procs}); err != nil {
		s.logger.Error("error responding to rexec.list request", "error", err)
	}
}

// handleDisconnect reacts to a requester's connection going away:
// every live subprocess that requester started is killed. The signal
// is SIGKILL regardless of what the requester might have used for a
// graceful kill. Notifications get no response.
func (s *Server) handleDisconnect(msg *bus.Message) {
	sender := msg.Sender
	if sender == "" {
		return
	}
	s.forEach(func(e *entry) {
		if e.req.Sender != sender {
			return
		}
		if err := e.proc.Kill(unix.SIGKILL); err != nil {
			s.logger.Error("killing subprocess of departed requester",
				"pid", e.proc.Pid(), "requester", sender, "error", err)
		}
	})
}

// Shutdown initiates a drain: new exec requests are rejected from
// this point on, sig is delivered to every live subprocess's process
// group, and the returned channel closes once the registry is empty
// (immediately, if it already is). At most one drain per server.
//
// Call from any goroutine except the server's own dispatch loop.
func (s *Server) Shutdown(sig unix.Signal) (<-chan struct{}, error) {
	type outcome struct {
		done <-chan struct{}
		err  error
	}
	reply := make(chan outcome, 1)
	s.conn.Post(func() {
		if s.drain != nil {
			reply <- outcome{nil, ErrShutdownStarted}
			return
		}
		s.drain = make(chan struct{})
		if s.procs.Len() == 0 {
			s.drained = true
			close(s.drain)
		} else {
			s.killAll(sig)
		}
		reply <- outcome{s.drain, nil}
	})
	select {
	case r := <-reply:
		return r.done, r.err
	case <-s.conn.Done():
		return nil, bus.ErrClosed
	}
}

// Close force-kills every remaining subprocess with SIGKILL. Entries
// still finalize through their usual callbacks as the processes are
// reaped.
func (s *Server) Close() error {
	done := make(chan struct{})
	s.conn.Post(func() {
		s.killAll(unix.SIGKILL)
		close(done)
	})
	select {
	case <-done:
	case <-s.conn.Done():
	}
	return nil
}

// killAll signals every live subprocess's process group.
func (s *Server) killAll(sig unix.Signal) {
	s.forEach(func(e *entry) {
		if err := e.proc.Kill(sig); err != nil {
			s.logger.Error("killing subprocess",
				"pid", e.proc.Pid(), "error", err)
		}
	})
}

// respondExecError reports one handler-level exec failure. Every
// failed exec request yields exactly one response.
func (s *Server) respondExecError(req *bus.Message, errno int, text string) {
	if err := s.conn.RespondError(req, errno, text); err != nil {
		s.logger.Error("error responding to rexec.exec request", "error", err)
	}
}

// respondControlError reports a kill or list failure.
func (s *Server) respondControlError(req *bus.Message, topic string, errno int, text string) {
	if err := s.conn.RespondError(req, errno, text); err != nil {
		s.logger.Error("error responding to request", "topic", topic, "error", err)
	}
}

// errnoOf extracts a POSIX errno from err, or falls back when none is
// carried.
func errnoOf(err error, fallback unix.Errno) int {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return int(fallback)
}

// spawnErrno maps a Spawn failure to the errno reported to the
// requester.
func spawnErrno(err error) int {
	if errors.Is(err, exec.ErrNotFound) {
		return int(unix.ENOENT)
	}
	return errnoOf(err, unix.EIO)
}

// writeErrno maps a stream write or close failure to the errno used
// on the fault path.
func writeErrno(err error) int {
	switch {
	case errors.Is(err, ErrUnknownStream):
		return int(unix.EINVAL)
	case errors.Is(err, ErrStreamClosed):
		return int(unix.EPIPE)
	}
	return errnoOf(err, unix.EIO)
}
