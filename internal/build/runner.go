// Package build runs a project's build and preview commands and reports
// progress on the event bus.
//
// A build publishes build_started followed by build_completed or
// build_failed with the captured (truncated) output. A preview is a
// long-running command; preview_ready carries its URL and preview_stopped is
// published when it exits or is stopped. Commands run through sh -c inside
// the project directory.
package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/teamrun/internal/config"
	"github.com/Iron-Ham/teamrun/internal/domain"
	"github.com/Iron-Ham/teamrun/internal/event"
	"github.com/Iron-Ham/teamrun/internal/logging"
)

var (
	// ErrBusy is returned when a build is already running for the project.
	ErrBusy = errors.New("build already running")
	// ErrNotConfigured is returned when the needed command is empty.
	ErrNotConfigured = errors.New("command not configured")
	// ErrPreviewRunning is returned when a preview is already up.
	ErrPreviewRunning = errors.New("preview already running")
)

// waitDelay bounds how long Wait blocks on output pipes after the process
// is killed.
const waitDelay = 2 * time.Second

// DirResolver maps a project to its working directory.
type DirResolver interface {
	ProjectDir(projectID string) (string, error)
}

// Result is the outcome of one build.
type Result struct {
	ProjectID string        `json:"projectId"`
	Status    string        `json:"status"`
	Output    string        `json:"output"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

type preview struct {
	url    string
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner executes build and preview commands. The zero value is not
// usable; call NewRunner.
type Runner struct {
	dirs   DirResolver
	pub    event.Publisher
	cfg    config.BuildConfig
	logger *logging.Logger

	mu       sync.Mutex
	building map[string]bool
	previews map[string]*preview

	wg     conc.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRunner creates a Runner. logger may be nil.
func NewRunner(dirs DirResolver, pub event.Publisher, cfg config.BuildConfig, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		dirs:     dirs,
		pub:      pub,
		cfg:      cfg,
		logger:   logger.With("component", "build"),
		building: make(map[string]bool),
		previews: make(map[string]*preview),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches a build in the background. Progress is reported through
// events only.
func (r *Runner) Start(projectID string) error {
	dir, err := r.prepare(projectID)
	if err != nil {
		return err
	}
	r.wg.Go(func() {
		defer r.finish(projectID)
		_, _ = r.run(r.ctx, projectID, dir)
	})
	return nil
}

// Run builds synchronously and returns the result. A failing command yields
// a *domain.ExternalCapabilityError alongside the result.
func (r *Runner) Run(ctx context.Context, projectID string) (Result, error) {
	dir, err := r.prepare(projectID)
	if err != nil {
		return Result{ProjectID: projectID}, err
	}
	defer r.finish(projectID)
	return r.run(ctx, projectID, dir)
}

func (r *Runner) prepare(projectID string) (string, error) {
	if strings.TrimSpace(r.cfg.BuildCommand) == "" {
		return "", fmt.Errorf("build: %w", ErrNotConfigured)
	}
	dir, err := r.projectDir(projectID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return "", errors.New("build: runner is closed")
	}
	if r.building[projectID] {
		return "", fmt.Errorf("build: project %s: %w", projectID, ErrBusy)
	}
	r.building[projectID] = true
	return dir, nil
}

func (r *Runner) finish(projectID string) {
	r.mu.Lock()
	delete(r.building, projectID)
	r.mu.Unlock()
}

func (r *Runner) projectDir(projectID string) (string, error) {
	dir, err := r.dirs.ProjectDir(projectID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("build: create project dir: %w", err)
	}
	return dir, nil
}

func (r *Runner) run(ctx context.Context, projectID, dir string) (Result, error) {
	logger := r.logger.WithProject(projectID)
	r.pub.Publish(event.NewBuildEvent(event.BuildStarted, projectID, event.BuildPayload{Status: "started"}))
	logger.Info("build started", "command", r.cfg.BuildCommand)

	if timeout := r.cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := newCappedBuffer(r.cfg.MaxOutputBytes)
	cmd := exec.CommandContext(ctx, "sh", "-c", r.cfg.BuildCommand)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	start := time.Now()
	runErr := cmd.Run()
	res := Result{
		ProjectID: projectID,
		Output:    out.String(),
		Duration:  time.Since(start),
	}

	if runErr != nil {
		if ctx.Err() != nil {
			runErr = fmt.Errorf("%w (%v)", ctx.Err(), runErr)
		}
		res.Status = "failed"
		res.Error = runErr.Error()
		logger.Warn("build failed", "error", res.Error, "duration", res.Duration.String())
		r.pub.Publish(event.NewBuildEvent(event.BuildFailed, projectID, event.BuildPayload{
			Status: res.Status,
			Output: res.Output,
			Error:  res.Error,
		}))
		return res, &domain.ExternalCapabilityError{Capability: "build", Attempts: 1, Err: runErr}
	}

	res.Status = "completed"
	logger.Info("build completed", "duration", res.Duration.String())
	r.pub.Publish(event.NewBuildEvent(event.BuildCompleted, projectID, event.BuildPayload{
		Status: res.Status,
		Output: res.Output,
	}))
	return res, nil
}

// Building reports whether a build is in progress for projectID.
func (r *Runner) Building(projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.building[projectID]
}

// StartPreview launches the preview command and returns its URL.
func (r *Runner) StartPreview(projectID string) (string, error) {
	if strings.TrimSpace(r.cfg.PreviewCommand) == "" {
		return "", fmt.Errorf("preview: %w", ErrNotConfigured)
	}
	dir, err := r.projectDir(projectID)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return "", errors.New("preview: runner is closed")
	}
	if p, ok := r.previews[projectID]; ok {
		r.mu.Unlock()
		return p.url, fmt.Errorf("preview: project %s: %w", projectID, ErrPreviewRunning)
	}
	ctx, cancel := context.WithCancel(r.ctx)
	cmd := exec.CommandContext(ctx, "sh", "-c", r.cfg.PreviewCommand)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	out := newCappedBuffer(r.cfg.MaxOutputBytes)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		cancel()
		return "", &domain.ExternalCapabilityError{Capability: "preview", Attempts: 1, Err: err}
	}
	p := &preview{url: previewURL(r.cfg.PreviewURL, projectID), cancel: cancel, done: make(chan struct{})}
	r.previews[projectID] = p
	r.mu.Unlock()

	logger := r.logger.WithProject(projectID)
	logger.Info("preview started", "command", r.cfg.PreviewCommand, "url", p.url, "pid", cmd.Process.Pid)
	r.pub.Publish(event.NewBuildEvent(event.PreviewReady, projectID, event.BuildPayload{Status: "ready", URL: p.url}))

	r.wg.Go(func() {
		defer close(p.done)
		err := cmd.Wait()

		r.mu.Lock()
		if r.previews[projectID] == p {
			delete(r.previews, projectID)
		}
		r.mu.Unlock()

		payload := event.BuildPayload{Status: "stopped", URL: p.url}
		if ctx.Err() == nil {
			// Exited on its own.
			payload.Status = "exited"
			payload.Output = out.String()
			if err != nil {
				payload.Error = err.Error()
			}
			logger.Warn("preview exited", "output_bytes", len(payload.Output))
		} else {
			logger.Info("preview stopped")
		}
		r.pub.Publish(event.NewBuildEvent(event.PreviewStopped, projectID, payload))
	})
	return p.url, nil
}

// StopPreview stops the project's preview and waits for it to exit.
func (r *Runner) StopPreview(ctx context.Context, projectID string) error {
	r.mu.Lock()
	p, ok := r.previews[projectID]
	r.mu.Unlock()
	if !ok {
		return &domain.NotFoundError{Kind: "preview", ID: projectID}
	}
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("preview: stop: %w", ctx.Err())
	}
}

// PreviewURL returns the URL of a running preview.
func (r *Runner) PreviewURL(projectID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.previews[projectID]
	if !ok {
		return "", false
	}
	return p.url, true
}

// Close cancels running builds and previews and waits for them.
func (r *Runner) Close() {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
}

func previewURL(template, projectID string) string {
	return strings.ReplaceAll(template, "{project}", projectID)
}

// cappedBuffer keeps the first limit bytes written and counts the rest.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	dropped int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(p)
	if c.limit > 0 {
		room := c.limit - c.buf.Len()
		if room <= 0 {
			c.dropped += n
			return n, nil
		}
		if len(p) > room {
			c.dropped += len(p) - room
			p = p[:room]
		}
	}
	c.buf.Write(p)
	return n, nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped == 0 {
		return c.buf.String()
	}
	return fmt.Sprintf("%s\n... (%d bytes truncated)", c.buf.String(), c.dropped)
}
