// apex-debug child runtime spawner
// Launches a JS/TS runtime with its inspector enabled and extracts the
// inspector WebSocket endpoint from the child's diagnostics.

package procspawn

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"syscall"
	"time"

	"go.uber.org/zap"

	"apex-debug/internal/apexerr"
	"apex-debug/internal/logging"
	"apex-debug/internal/metrics"
)

// endpointPattern matches the diagnostic line Node prints once the
// inspector is listening, e.g.
// "Debugger listening on ws://127.0.0.1:9229/6e8a6a21-..."
var endpointPattern = regexp.MustCompile(`Debugger listening on (ws://\S+)`)

// Options configures one child spawn.
type Options struct {
	// Command is the runtime binary, typically "node".
	Command string

	// Args are passed after the injected inspector flags.
	Args []string

	// Dir is the child working directory ("" = inherit).
	Dir string

	// Env is appended to the inherited environment.
	Env []string

	// Timeout bounds the wait for the inspector endpoint line.
	Timeout time.Duration

	// NoInjectFlags skips the --inspect-brk/--enable-source-maps
	// injection when the caller already built a full argv.
	NoInjectFlags bool
}

// ExitStatus describes how a child ended.
type ExitStatus struct {
	Code   int
	Signal string
}

func (e ExitStatus) String() string {
	if e.Signal != "" {
		return fmt.Sprintf("signal %s", e.Signal)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Handle is a running child with a resolved inspector endpoint.
type Handle struct {
	Cmd          *exec.Cmd
	PID          int
	WebSocketURL string

	// Stdout and Stderr accumulate everything the child writes.
	Stdout *CaptureBuffer
	Stderr *CaptureBuffer

	exited chan ExitStatus
	status ExitStatus
	log    *zap.Logger
}

// Exited is closed after the child process has been reaped.
func (h *Handle) Exited() <-chan ExitStatus { return h.exited }

// ExitStatus returns the recorded status; only meaningful after Exited
// is closed.
func (h *Handle) ExitStatus() ExitStatus { return h.status }

// Spawn starts the child, waits for the inspector endpoint, and returns
// a Handle. On any failure the child is killed before returning; a
// half-started child is never leaked.
func Spawn(ctx context.Context, opts Options) (*Handle, error) {
	if opts.Command == "" {
		opts.Command = "node"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	argv := opts.Args
	if !opts.NoInjectFlags {
		// Port 0 asks the runtime for an ephemeral loopback port; the
		// actual port is read back from the endpoint line.
		argv = append([]string{"--inspect-brk=127.0.0.1:0", "--enable-source-maps"}, opts.Args...)
	}

	cmd := exec.Command(opts.Command, argv...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apexerr.Wrap(apexerr.CodeSpawnFailed, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, apexerr.Wrap(apexerr.CodeSpawnFailed, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		metrics.Get().SpawnsTotal.WithLabelValues("start_error").Inc()
		return nil, apexerr.Wrap(apexerr.CodeSpawnFailed, err)
	}

	h := &Handle{
		Cmd:    cmd,
		PID:    cmd.Process.Pid,
		Stdout: NewCaptureBuffer(),
		Stderr: NewCaptureBuffer(),
		exited: make(chan ExitStatus),
		log:    logging.WithContext(zap.Int("pid", cmd.Process.Pid), zap.String("command", opts.Command)),
	}

	// stdout goes straight into its capture buffer.
	go func() {
		_, _ = h.Stdout.ReadFrom(stdoutPipe)
	}()

	// stderr is scanned line by line: the first endpoint match is
	// published, every line is still captured.
	endpointCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stderrPipe)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			h.Stderr.AppendLine(line)
			if m := endpointPattern.FindStringSubmatch(line); m != nil {
				select {
				case endpointCh <- m[1]:
				default:
				}
			}
		}
	}()

	// Single reaper; everyone else watches the exited channel.
	go func() {
		err := cmd.Wait()
		status := ExitStatus{}
		if err != nil {
			if ee, ok := err.(*exec.ExitError); ok {
				status.Code = ee.ExitCode()
				if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
					status.Signal = ws.Signal().String()
				}
			} else {
				status.Code = -1
			}
		}
		h.status = status
		metrics.Get().ChildrenActive.Dec()
		close(h.exited)
	}()
	metrics.Get().ChildrenActive.Inc()

	select {
	case url := <-endpointCh:
		h.WebSocketURL = url
		metrics.Get().SpawnsTotal.WithLabelValues("ok").Inc()
		metrics.Get().SpawnDuration.Observe(time.Since(start).Seconds())
		h.log.Debug("inspector endpoint resolved", zap.String("url", url))
		return h, nil
	case <-h.exited:
		metrics.Get().SpawnsTotal.WithLabelValues("early_exit").Inc()
		return nil, apexerr.New(apexerr.CodeSpawnFailed,
			"child exited before inspector endpoint (%s): %s", h.status, h.Stderr.Tail(512))
	case <-time.After(opts.Timeout):
		h.Kill()
		metrics.Get().SpawnsTotal.WithLabelValues("timeout").Inc()
		return nil, apexerr.New(apexerr.CodeSpawnTimeout,
			"no inspector endpoint within %s", opts.Timeout)
	case <-ctx.Done():
		h.Kill()
		metrics.Get().SpawnsTotal.WithLabelValues("canceled").Inc()
		return nil, apexerr.Wrap(apexerr.CodeSpawnFailed, ctx.Err())
	}
}

// Terminate asks the child to exit and escalates to SIGKILL after the
// grace period. Safe to call multiple times and after exit.
func (h *Handle) Terminate(grace time.Duration) ExitStatus {
	select {
	case <-h.exited:
		return h.status
	default:
	}

	_ = h.Cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-h.exited:
		return h.status
	case <-time.After(grace):
		h.log.Warn("child ignored SIGTERM, killing")
		h.Kill()
	}
	<-h.exited
	return h.status
}

// Kill force-kills the child. Safe to call multiple times.
func (h *Handle) Kill() {
	select {
	case <-h.exited:
		return
	default:
	}
	_ = h.Cmd.Process.Kill()
}
