// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package subprocess

import (
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lattice-foundation/lattice/lib/testutil"
)

const testTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testLoop is a minimal serial dispatcher standing in for a bus
// connection's dispatch loop.
type testLoop struct {
	work chan func()
}

func newTestLoop() *testLoop {
	l := &testLoop{work: make(chan func(), 1024)}
	go func() {
		for fn := range l.work {
			fn()
		}
	}()
	return l
}

func (l *testLoop) post(fn func()) { l.work <- fn }

// onLoop runs fn on the loop and returns its result.
func onLoop[T any](t *testing.T, loop *testLoop, fn func() T) T {
	t.Helper()
	result := make(chan T, 1)
	loop.post(func() { result <- fn() })
	return testutil.RequireReceive(t, result, testTimeout, "waiting for a loop turn")
}

// procEvent is one callback observation, forwarded out of the loop
// for assertions.
type procEvent struct {
	kind   string // "state", "data", "eof", "completion"
	state  State
	stream string
	data   []byte
}

// procWatcher forwards every subprocess callback as a procEvent.
type procWatcher struct {
	events chan procEvent
}

func newProcWatcher() *procWatcher {
	return &procWatcher{events: make(chan procEvent, 128)}
}

func (w *procWatcher) options(loop *testLoop) Options {
	return Options{
		Logger:   testLogger(),
		Dispatch: loop.post,
		OnStateChange: func(_ *Subprocess, state State) {
			w.events <- procEvent{kind: "state", state: state}
		},
		OnCompletion: func(*Subprocess) {
			w.events <- procEvent{kind: "completion"}
		},
		OnStdout:     w.onOutput,
		OnStderr:     w.onOutput,
		OnChannelOut: w.onOutput,
	}
}

func (w *procWatcher) onOutput(p *Subprocess, stream string) {
	data := p.Read(stream)
	if len(data) == 0 {
		w.events <- procEvent{kind: "eof", stream: stream}
		return
	}
	w.events <- procEvent{kind: "data", stream: stream, data: data}
}

// collect drains events until the completion marker arrives.
func collect(t *testing.T, events <-chan procEvent) []procEvent {
	t.Helper()
	var got []procEvent
	for {
		ev := testutil.RequireReceive(t, events, testTimeout, "waiting for subprocess events")
		got = append(got, ev)
		if ev.kind == "completion" {
			return got
		}
	}
}

// streamBytes concatenates the data events for one stream.
func streamBytes(events []procEvent, stream string) string {
	var data []byte
	for _, ev := range events {
		if ev.kind == "data" && ev.stream == stream {
			data = append(data, ev.data...)
		}
	}
	return string(data)
}

func eventIndex(events []procEvent, match func(procEvent) bool) int {
	for i, ev := range events {
		if match(ev) {
			return i
		}
	}
	return -1
}

func shell(script string) *Command {
	return NewCommand("/bin/sh", "-c", script)
}

func TestRunToCompletion(t *testing.T) {
	t.Parallel()

	loop := newTestLoop()
	watcher := newProcWatcher()
	proc, err := Spawn(shell("printf hello"), watcher.options(loop))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if proc.Pid() <= 0 {
		t.Errorf("Pid() = %d, want positive", proc.Pid())
	}

	events := collect(t, watcher.events)

	if events[0].kind != "state" || events[0].state != Running {
		t.Fatalf("first event = %+v, want Running state change", events[0])
	}
	exited := eventIndex(events, func(ev procEvent) bool {
		return ev.kind == "state" && ev.state == Exited
	})
	if exited != len(events)-2 {
		t.Fatalf("Exited at index %d of %d events, want second to last", exited, len(events))
	}
	for i, ev := range events {
		if (ev.kind == "data" || ev.kind == "eof") && i > exited {
			t.Errorf("output event %+v arrived after Exited", ev)
		}
	}
	if got := streamBytes(events, StreamStdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
	for _, stream := range []string{StreamStdout, StreamStderr} {
		if eventIndex(events, func(ev procEvent) bool {
			return ev.kind == "eof" && ev.stream == stream
		}) < 0 {
			t.Errorf("no end-of-file event for %s", stream)
		}
	}

	if got := onLoop(t, loop, proc.State); got != Exited {
		t.Errorf("State() = %v, want Exited", got)
	}
	ws := unix.WaitStatus(onLoop(t, loop, proc.ExitStatus))
	if !ws.Exited() || ws.ExitStatus() != 0 {
		t.Errorf("wait status = %#x, want clean exit", int(ws))
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	loop := newTestLoop()
	watcher := newProcWatcher()
	proc, err := Spawn(shell("exit 7"), watcher.options(loop))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	collect(t, watcher.events)

	ws := unix.WaitStatus(onLoop(t, loop, proc.ExitStatus))
	if !ws.Exited() || ws.ExitStatus() != 7 {
		t.Errorf("wait status = %#x, want exit code 7", int(ws))
	}
}

func TestStderrCapture(t *testing.T) {
	t.Parallel()

	loop := newTestLoop()
	watcher := newProcWatcher()
	if _, err := Spawn(shell("printf err >&2"), watcher.options(loop)); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	events := collect(t, watcher.events)

	if got := streamBytes(events, StreamStderr); got != "err" {
		t.Errorf("stderr = %q, want %q", got, "err")
	}
	if got := streamBytes(events, StreamStdout); got != "" {
		t.Errorf("stdout = %q, want empty", got)
	}
}

func TestKillDeliversToProcessGroup(t *testing.T) {
	t.Parallel()

	loop := newTestLoop()
	watcher := newProcWatcher()
	proc, err := Spawn(shell("read unused"), watcher.options(loop))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	first := testutil.RequireReceive(t, watcher.events, testTimeout, "waiting for Running")
	if first.kind != "state" || first.state != Running {
		t.Fatalf("first event = %+v, want Running", first)
	}
	if err := proc.Kill(unix.SIGKILL); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	collect(t, watcher.events)

	ws := unix.WaitStatus(onLoop(t, loop, proc.ExitStatus))
	if !ws.Signaled() || ws.Signal() != unix.SIGKILL {
		t.Errorf("wait status = %#x, want death by SIGKILL", int(ws))
	}
}

func TestStdinRoundTrip(t *testing.T) {
	t.Parallel()

	loop := newTestLoop()
	watcher := newProcWatcher()
	proc, err := Spawn(shell("cat"), watcher.options(loop))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	payload := []byte("ping\n")
	n, err := proc.Write(StreamStdin, payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Write accepted %d of %d bytes", n, len(payload))
	}
	if err := proc.CloseStream(StreamStdin); err != nil {
		t.Fatalf("CloseStream: %v", err)
	}

	events := collect(t, watcher.events)
	if got := streamBytes(events, StreamStdout); got != "ping\n" {
		t.Errorf("stdout = %q, want %q", got, "ping\n")
	}
}

func TestChildEnvironment(t *testing.T) {
	t.Parallel()

	loop := newTestLoop()
	watcher := newProcWatcher()
	cmd := shell(`printf "%s" "$GREETING"`)
	cmd.SetEnv("GREETING", "hi")
	if _, err := Spawn(cmd, watcher.options(loop)); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	events := collect(t, watcher.events)

	if got := streamBytes(events, StreamStdout); got != "hi" {
		t.Errorf("stdout = %q, want %q", got, "hi")
	}
}

func TestChannelDescriptorPublished(t *testing.T) {
	t.Parallel()

	loop := newTestLoop()
	watcher := newProcWatcher()
	cmd := shell(`printf "%s %s" "$CONTROL" "$AUX"`)
	cmd.Channels = []string{"CONTROL", "AUX"}
	if _, err := Spawn(cmd, watcher.options(loop)); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	events := collect(t, watcher.events)

	if got := streamBytes(events, StreamStdout); got != "3 4" {
		t.Errorf("published descriptors = %q, want %q", got, "3 4")
	}
}

func TestChannelRoundTrip(t *testing.T) {
	t.Parallel()

	loop := newTestLoop()
	watcher := newProcWatcher()
	cmd := shell(`eval "cat <&$CONTROL >&$CONTROL"`)
	cmd.SetEnv("PATH", "/bin:/usr/bin")
	cmd.Channels = []string{"CONTROL"}
	proc, err := Spawn(cmd, watcher.options(loop))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if _, err := proc.Write("CONTROL", []byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Half-close so the child's cat sees end of input and exits;
	// its echo still flows back on the same socket.
	if err := proc.CloseStream("CONTROL"); err != nil {
		t.Fatalf("CloseStream: %v", err)
	}

	events := collect(t, watcher.events)
	if got := streamBytes(events, "CONTROL"); got != "ping" {
		t.Errorf("channel echo = %q, want %q", got, "ping")
	}
	if eventIndex(events, func(ev procEvent) bool {
		return ev.kind == "eof" && ev.stream == "CONTROL"
	}) < 0 {
		t.Error("no end-of-file event for the channel")
	}
}

func TestWriteUnknownStream(t *testing.T) {
	t.Parallel()

	loop := newTestLoop()
	watcher := newProcWatcher()
	proc, err := Spawn(shell("cat"), watcher.options(loop))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if _, err := proc.Write("bogus", []byte("x")); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("Write to unknown stream: got %v, want ErrUnknownStream", err)
	}
	if err := proc.CloseStream("bogus"); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("CloseStream of unknown stream: got %v, want ErrUnknownStream", err)
	}

	if err := proc.CloseStream(StreamStdin); err != nil {
		t.Fatalf("CloseStream: %v", err)
	}
	collect(t, watcher.events)
}

func TestWriteAfterClose(t *testing.T) {
	t.Parallel()

	loop := newTestLoop()
	watcher := newProcWatcher()
	proc, err := Spawn(shell("cat"), watcher.options(loop))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := proc.CloseStream(StreamStdin); err != nil {
		t.Fatalf("CloseStream: %v", err)
	}
	if err := proc.CloseStream(StreamStdin); err != nil {
		t.Errorf("second CloseStream: %v, want no-op", err)
	}
	if _, err := proc.Write(StreamStdin, []byte("late")); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Write after close: got %v, want ErrStreamClosed", err)
	}
	collect(t, watcher.events)
}

func TestWriteShortAccept(t *testing.T) {
	t.Parallel()

	// Acceptance arithmetic only: no process, no flusher.
	p := &Subprocess{inputs: map[string]*inStream{
		StreamStdin: {name: StreamStdin, limit: 4, kick: make(chan struct{}, 1)},
	}}

	n, err := p.Write(StreamStdin, []byte("abcdef"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 4 {
		t.Errorf("Write accepted %d bytes, want 4", n)
	}
	n, err = p.Write(StreamStdin, []byte("x"))
	if err != nil {
		t.Fatalf("Write on full buffer: %v", err)
	}
	if n != 0 {
		t.Errorf("Write on full buffer accepted %d bytes, want 0", n)
	}

	// Flushing frees the whole window again.
	s := p.inputs[StreamStdin]
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	n, err = p.Write(StreamStdin, []byte("xy"))
	if err != nil {
		t.Fatalf("Write after flush: %v", err)
	}
	if n != 2 {
		t.Errorf("Write after flush accepted %d bytes, want 2", n)
	}
}

func TestForceFailSuppressesCallbacks(t *testing.T) {
	t.Parallel()

	loop := newTestLoop()
	watcher := newProcWatcher()
	proc, err := Spawn(shell("read unused"), watcher.options(loop))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	// Queued right behind the Running notification. The child blocks
	// on stdin, so nothing else can reach the loop first.
	loop.post(func() {
		proc.ForceFail(int(unix.EIO))
	})

	first := testutil.RequireReceive(t, watcher.events, testTimeout, "waiting for Running")
	if first.kind != "state" || first.state != Running {
		t.Fatalf("first event = %+v, want Running", first)
	}
	// The owner kills what it force-failed; the resulting exit and
	// stream EOFs must all be swallowed.
	if err := proc.Kill(unix.SIGKILL); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case ev := <-watcher.events:
		t.Fatalf("unexpected event after force fail: %+v", ev)
	case <-time.After(200 * time.Millisecond): //nolint:realclock absence check
	}

	if got := onLoop(t, loop, proc.State); got != Failed {
		t.Errorf("State() = %v, want Failed", got)
	}
	if got := onLoop(t, loop, proc.FailedErrno); got != int(unix.EIO) {
		t.Errorf("FailedErrno() = %d, want EIO", got)
	}
}

func TestSpawnErrors(t *testing.T) {
	t.Parallel()

	loop := newTestLoop()
	opts := Options{Logger: testLogger(), Dispatch: loop.post}

	if _, err := Spawn(NewCommand("lattice-no-such-program"), opts); !errors.Is(err, exec.ErrNotFound) {
		t.Errorf("unresolvable program: got %v, want exec.ErrNotFound", err)
	}

	bad := shell("true")
	bad.Dir = "/lattice-no-such-dir"
	if _, err := Spawn(bad, opts); err == nil {
		t.Error("Spawn accepted a nonexistent working directory")
	}

	if _, err := Spawn(NewCommand(), opts); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("empty command: got %v, want ErrEmptyCommand", err)
	}

	if _, err := Spawn(shell("true"), Options{Logger: testLogger()}); err == nil {
		t.Error("Spawn accepted options without a dispatch function")
	}
}
