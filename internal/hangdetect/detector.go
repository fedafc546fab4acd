// apex-debug Hang Detector
// Drives a bounded-lifetime debug session that samples the top frame to
// classify completion vs. infinite loop vs. hang.

package hangdetect

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"apex-debug/internal/apexerr"
	"apex-debug/internal/debugging"
	"apex-debug/internal/logging"
	"apex-debug/internal/metrics"
)

// loopWindow is the wall-clock span a constant top frame must cover
// before the run is classified as a loop.
const loopWindow = 5000 * time.Millisecond

// minRingSize bounds the sample ring from below.
const minRingSize = 20

// Options configures one detection run.
type Options struct {
	Command        string
	Args           []string
	Cwd            string
	Timeout        time.Duration
	SampleInterval time.Duration

	// RawArgs skips inspector flag injection when the argv already
	// carries it (test harness hook).
	RawArgs bool
}

// Result is the detection verdict. Exactly one of Completed, Loop, or
// Hung is set.
type Result struct {
	Completed bool                   `json:"completed"`
	Loop      bool                   `json:"loop"`
	Hung      bool                   `json:"hung"`
	ExitCode  int                    `json:"exit_code,omitempty"`
	Location  string                 `json:"location,omitempty"`
	Stack     []debugging.StackFrame `json:"stack,omitempty"`
	Duration  time.Duration          `json:"duration"`
}

// sample is one (file,line) reading of the top call frame.
type sample struct {
	file string
	line int
}

func (s sample) String() string {
	return fmt.Sprintf("%s:%d", s.file, s.line)
}

// Detector runs detection sessions against a session manager.
type Detector struct {
	manager       *debugging.Manager
	intervalFloor time.Duration
	loopWindow    time.Duration
	log           *zap.Logger
}

// New builds a detector. intervalFloor guards against pathological
// sample rates; zero means 10ms.
func New(manager *debugging.Manager, intervalFloor time.Duration) *Detector {
	if intervalFloor <= 0 {
		intervalFloor = 10 * time.Millisecond
	}
	return &Detector{
		manager:       manager,
		intervalFloor: intervalFloor,
		loopWindow:    loopWindow,
		log:           logging.L(),
	}
}

// Detect starts a session, resumes it, and samples the top frame every
// interval until the child exits, a full ring of identical samples
// accumulates, or the timeout elapses — in that strict decision order.
// Session teardown is guaranteed on every path, including panics.
func (d *Detector) Detect(ctx context.Context, opts Options) (result *Result, err error) {
	if opts.Timeout <= 0 {
		return nil, apexerr.New(apexerr.CodeInvalidArguments, "timeout must be positive")
	}
	interval := opts.SampleInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if interval < d.intervalFloor {
		interval = d.intervalFloor
	}

	session, createErr := d.manager.Create(ctx, debugging.SessionConfig{
		Command:       opts.Command,
		Args:          opts.Args,
		Cwd:           opts.Cwd,
		NoInjectFlags: opts.RawArgs,
	})
	if createErr != nil {
		metrics.Get().HangDetectionsTotal.WithLabelValues("failed").Inc()
		return nil, apexerr.Wrap(apexerr.CodeHangDetectionFailed, createErr)
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("sampler panic", zap.Any("panic", r))
			err = apexerr.New(apexerr.CodeHangDetectionFailed, "sampler panic: %v", r)
			result = nil
			metrics.Get().HangDetectionsTotal.WithLabelValues("failed").Inc()
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		session.Stop(stopCtx)
		cancel()
	}()

	start := time.Now()
	if err := session.Resume(ctx); err != nil {
		metrics.Get().HangDetectionsTotal.WithLabelValues("failed").Inc()
		return nil, apexerr.Wrap(apexerr.CodeHangDetectionFailed, err)
	}

	ringSize := int((d.loopWindow + interval - 1) / interval)
	if ringSize < minRingSize {
		ringSize = minRingSize
	}
	ring := make([]sample, 0, ringSize)
	var lastStack []debugging.StackFrame
	haveSample := false
	var latest sample

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	for {
		select {
		case <-session.Terminated():
			exit, _ := session.ExitStatus()
			metrics.Get().HangDetectionsTotal.WithLabelValues("completed").Inc()
			return &Result{
				Completed: true,
				ExitCode:  exit.Code,
				Duration:  time.Since(start),
			}, nil

		case <-deadline.C:
			res := &Result{
				Hung:     true,
				Stack:    lastStack,
				Duration: time.Since(start),
			}
			if haveSample {
				res.Location = latest.String()
			}
			metrics.Get().HangDetectionsTotal.WithLabelValues("hung").Inc()
			return res, nil

		case <-ctx.Done():
			metrics.Get().HangDetectionsTotal.WithLabelValues("failed").Inc()
			return nil, apexerr.Wrap(apexerr.CodeHangDetectionFailed, ctx.Err())

		case <-ticker.C:
			top, stack, ok := d.takeSample(ctx, session, interval)
			if !ok {
				continue
			}
			metrics.Get().SamplesTotal.Inc()
			latest = top
			haveSample = true
			lastStack = stack

			if len(ring) == ringSize {
				copy(ring, ring[1:])
				ring = ring[:ringSize-1]
			}
			ring = append(ring, top)

			if len(ring) == ringSize && allEqual(ring) {
				metrics.Get().HangDetectionsTotal.WithLabelValues("loop").Inc()
				return &Result{
					Loop:     true,
					Location: top.String(),
					Stack:    lastStack,
					Duration: time.Since(start),
				}, nil
			}
		}
	}
}

// takeSample pauses, reads the top frame, and resumes within one tick.
// Any failure (e.g. the child exiting mid-sample) skips the sample.
func (d *Detector) takeSample(ctx context.Context, session *debugging.Session, interval time.Duration) (sample, []debugging.StackFrame, bool) {
	sampleCtx, cancel := context.WithTimeout(ctx, 2*interval+time.Second)
	defer cancel()

	if err := session.Pause(sampleCtx); err != nil {
		return sample{}, nil, false
	}
	stack, err := session.GetStack()
	if err != nil || len(stack) == 0 {
		_ = session.Resume(sampleCtx)
		return sample{}, nil, false
	}
	if err := session.Resume(sampleCtx); err != nil {
		return sample{}, nil, false
	}
	return sample{file: stack[0].FilePath, line: stack[0].Line}, stack, true
}

func allEqual(ring []sample) bool {
	for _, s := range ring[1:] {
		if s != ring[0] {
			return false
		}
	}
	return true
}
