// ABOUTME: Human-in-the-loop question/answer abstraction plus its built-in implementations.
// ABOUTME: AutoApprove, Callback, Queue, Recording, and Console cover scripted, wired, and interactive use.
package attractor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Interviewer answers a single question, optionally constrained to one of
// options. Any human-facing frontend (terminal, Slack, web form, a fixed
// script in tests) implements just this one method.
type Interviewer interface {
	Ask(ctx context.Context, question string, options []string) (string, error)
}

// nodeContextKey tags the pipeline node ID an Ask call originated from,
// without widening the Interviewer interface itself.
type nodeContextKey struct{}

// WithNodeID attaches nodeID to ctx for later retrieval via
// NodeIDFromContext.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeContextKey{}, nodeID)
}

// NodeIDFromContext returns the node ID attached by WithNodeID, or "" if
// none is present.
func NodeIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(nodeContextKey{}).(string)
	return v
}

// Question is a structured prompt posed to a human reviewer.
type Question struct {
	ID       string
	Text     string
	Options  []string
	Default  string
	Metadata map[string]string
}

// QAPair is one recorded question/answer exchange, kept by
// RecordingInterviewer for audit and replay.
type QAPair struct {
	Question string
	Options  []string
	Answer   string
}

// checkCtx is the cancellation guard every Interviewer.Ask implementation
// below runs before doing anything else.
func checkCtx(ctx context.Context) error {
	return ctx.Err()
}

// AutoApproveInterviewer answers every question with a fixed string
// (or the first offered option, if no fixed answer was configured), with
// no human involved. It exists for tests and unattended pipeline runs.
type AutoApproveInterviewer struct {
	answer string
}

// NewAutoApproveInterviewer returns an interviewer that always answers
// with answer.
func NewAutoApproveInterviewer(answer string) *AutoApproveInterviewer {
	return &AutoApproveInterviewer{answer: answer}
}

func (a *AutoApproveInterviewer) Ask(ctx context.Context, question string, options []string) (string, error) {
	if err := checkCtx(ctx); err != nil {
		return "", err
	}
	if a.answer != "" {
		return a.answer, nil
	}
	if len(options) > 0 {
		return options[0], nil
	}
	return "", nil
}

// CallbackInterviewer forwards every Ask call to an arbitrary function,
// for wiring a pipeline's human gate to some external system.
type CallbackInterviewer struct {
	handle func(ctx context.Context, question string, options []string) (string, error)
}

// NewCallbackInterviewer wraps handle as an Interviewer.
func NewCallbackInterviewer(handle func(ctx context.Context, question string, options []string) (string, error)) *CallbackInterviewer {
	return &CallbackInterviewer{handle: handle}
}

func (c *CallbackInterviewer) Ask(ctx context.Context, question string, options []string) (string, error) {
	return c.handle(ctx, question, options)
}

// QueueInterviewer answers questions from a pre-loaded FIFO queue,
// for deterministic scripted tests.
type QueueInterviewer struct {
	mu      sync.Mutex
	pending []string
}

// NewQueueInterviewer returns a QueueInterviewer that will answer each
// successive Ask call with the next of answers, in order.
func NewQueueInterviewer(answers ...string) *QueueInterviewer {
	pending := make([]string, len(answers))
	copy(pending, answers)
	return &QueueInterviewer{pending: pending}
}

func (q *QueueInterviewer) Ask(ctx context.Context, question string, options []string) (string, error) {
	if err := checkCtx(ctx); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", fmt.Errorf("answer queue exhausted: no answer for question %q", question)
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	return next, nil
}

// RecordingInterviewer wraps another Interviewer and keeps a copy of every
// question/answer pair it handles, for later audit or replay.
type RecordingInterviewer struct {
	mu     sync.Mutex
	inner  Interviewer
	record []QAPair
}

// NewRecordingInterviewer wraps inner so every Ask call it handles is
// also recorded.
func NewRecordingInterviewer(inner Interviewer) *RecordingInterviewer {
	return &RecordingInterviewer{inner: inner, record: make([]QAPair, 0)}
}

func (r *RecordingInterviewer) Ask(ctx context.Context, question string, options []string) (string, error) {
	answer, err := r.inner.Ask(ctx, question, options)
	if err != nil {
		return "", err
	}
	optionsCopy := make([]string, len(options))
	copy(optionsCopy, options)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.record = append(r.record, QAPair{Question: question, Options: optionsCopy, Answer: answer})
	return answer, nil
}

// Recordings returns a copy of every QAPair recorded so far.
func (r *RecordingInterviewer) Recordings() []QAPair {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QAPair, len(r.record))
	copy(out, r.record)
	return out
}

// ConsoleInterviewer prompts over an io.Writer and reads the reply from an
// io.Reader — typically stdout/stdin, but swappable for tests.
type ConsoleInterviewer struct {
	in  io.Reader
	out io.Writer
}

// NewConsoleInterviewer returns a ConsoleInterviewer wired to os.Stdin and
// os.Stdout.
func NewConsoleInterviewer() *ConsoleInterviewer {
	return &ConsoleInterviewer{in: os.Stdin, out: os.Stdout}
}

// NewConsoleInterviewerWithIO returns a ConsoleInterviewer wired to r and w
// instead of the real console.
func NewConsoleInterviewerWithIO(r io.Reader, w io.Writer) *ConsoleInterviewer {
	return &ConsoleInterviewer{in: r, out: w}
}

func (c *ConsoleInterviewer) Ask(ctx context.Context, question string, options []string) (string, error) {
	if err := checkCtx(ctx); err != nil {
		return "", err
	}

	c.printPrompt(ctx, question, options)

	line, err := c.readLineCancelable(ctx)
	if err != nil {
		return "", err
	}
	return matchOption(line, options)
}

func (c *ConsoleInterviewer) printPrompt(ctx context.Context, question string, options []string) {
	if nodeID := NodeIDFromContext(ctx); nodeID != "" {
		fmt.Fprintf(c.out, "[Node: %s]\n", nodeID)
	}
	fmt.Fprintf(c.out, "[?] %s\n", question)
	if len(options) == 0 {
		fmt.Fprint(c.out, "> ")
		return
	}
	for _, opt := range options {
		fmt.Fprintf(c.out, "  - %s\n", opt)
	}
	fmt.Fprint(c.out, "Select: ")
}

// readLineCancelable reads one line from c.in on a background goroutine so
// ctx cancellation can interrupt a blocking read.
func (c *ConsoleInterviewer) readLineCancelable(ctx context.Context) (string, error) {
	type lineOrErr struct {
		line string
		err  error
	}
	ch := make(chan lineOrErr, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		if scanner.Scan() {
			ch <- lineOrErr{line: strings.TrimSpace(scanner.Text())}
			return
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		ch <- lineOrErr{err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("reading input: %w", r.err)
		}
		return r.line, nil
	}
}

// matchOption returns line unchanged when options is empty (free text),
// otherwise the canonical option it case-insensitively matches, or an
// error if it matches none of them.
func matchOption(line string, options []string) (string, error) {
	if len(options) == 0 {
		return line, nil
	}
	for _, opt := range options {
		if strings.EqualFold(line, opt) {
			return opt, nil
		}
	}
	return "", fmt.Errorf("invalid option %q: must be one of %v", line, options)
}
