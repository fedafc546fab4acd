// apex-debug Test-Runner Adapter
// Builds argument vectors for common JS test harnesses, runs them under
// the inspector, and extracts a minimal result summary.

package testrunner

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"apex-debug/internal/apexerr"
	"apex-debug/internal/debugging"
	"apex-debug/internal/logging"
)

// Framework identifies a recognized test harness.
type Framework string

const (
	FrameworkJest   Framework = "jest"
	FrameworkMocha  Framework = "mocha"
	FrameworkVitest Framework = "vitest"
)

// Options configures one test run.
type Options struct {
	Framework Framework
	Cwd       string
	Args      []string // extra harness arguments, passed through
	Timeout   time.Duration
}

// Failure carries one failed test's message, stack, and captured
// output.
type Failure struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Output  string `json:"output,omitempty"`
}

// Summary is the minimal parsed result. Everything beyond summary
// extraction passes through unchanged in Output.
type Summary struct {
	Framework Framework     `json:"framework"`
	Passed    int           `json:"passed"`
	Failed    int           `json:"failed"`
	Failures  []Failure     `json:"failures,omitempty"`
	ExitCode  int           `json:"exit_code"`
	Output    string        `json:"output"`
	Duration  time.Duration `json:"duration"`
}

// BuildArgs returns the argument vector (after the node binary) that
// invokes the harness from its local install. The inspector flags are
// injected by the session spawner in front of these.
func BuildArgs(framework Framework, extra []string) ([]string, error) {
	var bin string
	var base []string
	switch framework {
	case FrameworkJest:
		bin = filepath.Join("node_modules", ".bin", "jest")
		// A single worker keeps every test inside the inspected process.
		base = []string{"--runInBand", "--colors=false"}
	case FrameworkMocha:
		bin = filepath.Join("node_modules", ".bin", "mocha")
		base = []string{"--no-colors"}
	case FrameworkVitest:
		bin = filepath.Join("node_modules", ".bin", "vitest")
		base = []string{"run", "--no-color", "--pool", "forks", "--poolOptions.forks.singleFork"}
	default:
		return nil, apexerr.New(apexerr.CodeInvalidArguments,
			"unrecognized test framework %q (want jest, mocha, or vitest)", framework)
	}
	return append(append([]string{bin}, base...), extra...), nil
}

// Run executes the harness under a debug session, waits for completion,
// and parses the summary.
func Run(ctx context.Context, manager *debugging.Manager, opts Options) (*Summary, error) {
	args, err := BuildArgs(opts.Framework, opts.Args)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}

	log := logging.WithContext(zap.String("framework", string(opts.Framework)))
	start := time.Now()

	session, err := manager.Create(ctx, debugging.SessionConfig{
		Args: args,
		Cwd:  opts.Cwd,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		session.Stop(stopCtx)
		cancel()
	}()

	if err := session.Resume(ctx); err != nil {
		return nil, err
	}

	select {
	case <-session.Terminated():
	case <-time.After(opts.Timeout):
		log.Warn("test run exceeded timeout, terminating")
	case <-ctx.Done():
		return nil, apexerr.Wrap(apexerr.CodeTimeout, ctx.Err())
	}

	output := session.CapturedOutput()
	exit, _ := session.ExitStatus()

	summary := parseSummary(opts.Framework, output)
	summary.ExitCode = exit.Code
	summary.Output = output
	summary.Duration = time.Since(start)
	return summary, nil
}

var (
	jestTotals   = regexp.MustCompile(`Tests:\s+(?:(\d+) failed,\s*)?(?:\d+ skipped,\s*)?(?:(\d+) passed,\s*)?(\d+) total`)
	jestFailure  = regexp.MustCompile(`(?m)^\s*●\s+(.+)$`)
	mochaPassing = regexp.MustCompile(`(\d+) passing`)
	mochaFailing = regexp.MustCompile(`(\d+) failing`)
	mochaFailure = regexp.MustCompile(`(?m)^\s*\d+\)\s+(.+)$`)
	vitestTotals = regexp.MustCompile(`Tests\s+(?:(\d+) failed\s*\|\s*)?(\d+) passed`)
	stackLine    = regexp.MustCompile(`(?m)^\s+at\s+.+$`)
)

// parseSummary extracts pass/fail counts and per-failure details from
// harness output.
func parseSummary(framework Framework, output string) *Summary {
	s := &Summary{Framework: framework}
	switch framework {
	case FrameworkJest:
		if m := jestTotals.FindStringSubmatch(output); m != nil {
			s.Failed = atoiDefault(m[1])
			s.Passed = atoiDefault(m[2])
		}
		for _, m := range jestFailure.FindAllStringSubmatch(output, -1) {
			name := strings.TrimSpace(m[1])
			if name == "" || strings.HasPrefix(name, "Snapshot") {
				continue
			}
			s.Failures = append(s.Failures, extractFailure(output, name))
		}
	case FrameworkMocha:
		if m := mochaPassing.FindStringSubmatch(output); m != nil {
			s.Passed = atoiDefault(m[1])
		}
		if m := mochaFailing.FindStringSubmatch(output); m != nil {
			s.Failed = atoiDefault(m[1])
		}
		for _, m := range mochaFailure.FindAllStringSubmatch(output, -1) {
			s.Failures = append(s.Failures, extractFailure(output, strings.TrimSpace(m[1])))
		}
	case FrameworkVitest:
		if m := vitestTotals.FindStringSubmatch(output); m != nil {
			s.Failed = atoiDefault(m[1])
			s.Passed = atoiDefault(m[2])
		}
		for _, m := range jestFailure.FindAllStringSubmatch(output, -1) {
			s.Failures = append(s.Failures, extractFailure(output, strings.TrimSpace(m[1])))
		}
	}
	// Deduplicate failure names; harnesses repeat them in summaries.
	s.Failures = dedupeFailures(s.Failures)
	if len(s.Failures) > s.Failed && s.Failed > 0 {
		s.Failures = s.Failures[:s.Failed]
	}
	return s
}

// extractFailure pulls the message and stack lines following a failure
// heading out of the raw output.
func extractFailure(output, name string) Failure {
	f := Failure{Name: name}
	idx := strings.Index(output, name)
	if idx < 0 {
		return f
	}
	section := output[idx:]
	if end := strings.Index(section[len(name):], "\n\n\n"); end > 0 {
		section = section[:len(name)+end]
	} else if len(section) > 4096 {
		section = section[:4096]
	}

	lines := strings.Split(section, "\n")
	var message []string
	for _, line := range lines[1:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(message) > 0 {
				break
			}
			continue
		}
		if stackLine.MatchString(line) {
			break
		}
		message = append(message, trimmed)
	}
	f.Message = strings.Join(message, "\n")
	f.Stack = strings.Join(stackLine.FindAllString(section, -1), "\n")
	f.Output = section
	return f
}

func dedupeFailures(failures []Failure) []Failure {
	seen := make(map[string]bool, len(failures))
	out := failures[:0]
	for _, f := range failures {
		if seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		out = append(out, f)
	}
	return out
}

func atoiDefault(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// String implements fmt.Stringer for log lines.
func (s *Summary) String() string {
	return fmt.Sprintf("%s: %d passed, %d failed", s.Framework, s.Passed, s.Failed)
}
