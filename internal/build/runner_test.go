package build

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/teamrun/internal/config"
	"github.com/Iron-Ham/teamrun/internal/domain"
	"github.com/Iron-Ham/teamrun/internal/event"
	"github.com/Iron-Ham/teamrun/internal/workspace"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(e event.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) last() event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func newRunner(t *testing.T, cfg config.BuildConfig) (*Runner, *recorder) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	pub := &recorder{}
	r := NewRunner(ws, pub, cfg, nil)
	t.Cleanup(r.Close)
	return r, pub
}

func sameTypes(got, want []event.Type) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRunBuild(t *testing.T) {
	tests := []struct {
		name       string
		command    string
		wantStatus string
		wantEvents []event.Type
		wantOutput string
	}{
		{
			name:       "success",
			command:    "echo built $(basename $PWD)",
			wantStatus: "completed",
			wantEvents: []event.Type{event.BuildStarted, event.BuildCompleted},
			wantOutput: "built p1",
		},
		{
			name:       "failure",
			command:    "echo broken >&2; exit 3",
			wantStatus: "failed",
			wantEvents: []event.Type{event.BuildStarted, event.BuildFailed},
			wantOutput: "broken",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, pub := newRunner(t, config.BuildConfig{BuildCommand: tt.command, TimeoutSec: 10})
			res, err := r.Run(context.Background(), "p1")

			if res.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", res.Status, tt.wantStatus)
			}
			if !strings.Contains(res.Output, tt.wantOutput) {
				t.Errorf("Output = %q, want it to contain %q", res.Output, tt.wantOutput)
			}
			if got := pub.types(); !sameTypes(got, tt.wantEvents) {
				t.Errorf("events = %v, want %v", got, tt.wantEvents)
			}
			if tt.wantStatus == "failed" {
				var ec *domain.ExternalCapabilityError
				if !errors.As(err, &ec) || ec.Capability != "build" {
					t.Errorf("error = %v, want ExternalCapabilityError", err)
				}
			} else if err != nil {
				t.Errorf("Run() error = %v", err)
			}
			if r.Building("p1") {
				t.Error("Building() still true after Run")
			}
		})
	}
}

func TestRunBuildTimeout(t *testing.T) {
	r, _ := newRunner(t, config.BuildConfig{BuildCommand: "exec sleep 5", TimeoutSec: 1})
	start := time.Now()
	res, err := r.Run(context.Background(), "p1")
	if err == nil || res.Status != "failed" {
		t.Fatalf("Run() = %+v, %v, want failure", res, err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Errorf("timeout not enforced, took %v", time.Since(start))
	}
}

func TestStartRejectsConcurrentBuild(t *testing.T) {
	r, pub := newRunner(t, config.BuildConfig{BuildCommand: "sleep 0.3", TimeoutSec: 10})
	if err := r.Start("p1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Start("p1"); !errors.Is(err, ErrBusy) {
		t.Errorf("second Start() error = %v, want ErrBusy", err)
	}
	if err := r.Start("p2"); err != nil {
		t.Errorf("Start(p2) error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.Building("p1") || r.Building("p2") {
		if time.Now().After(deadline) {
			t.Fatal("builds did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
	completed := 0
	for _, typ := range pub.types() {
		if typ == event.BuildCompleted {
			completed++
		}
	}
	if completed != 2 {
		t.Errorf("build_completed events = %d, want 2", completed)
	}
}

func TestNotConfigured(t *testing.T) {
	r, _ := newRunner(t, config.BuildConfig{})
	if err := r.Start("p1"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Start() error = %v, want ErrNotConfigured", err)
	}
	if _, err := r.StartPreview("p1"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("StartPreview() error = %v, want ErrNotConfigured", err)
	}
}

func TestInvalidProject(t *testing.T) {
	r, _ := newRunner(t, config.BuildConfig{BuildCommand: "true"})
	if err := r.Start("a/b"); !errors.Is(err, domain.ErrInvalidPath) {
		t.Errorf("Start() error = %v, want ErrInvalidPath", err)
	}
}

func TestPreviewLifecycle(t *testing.T) {
	r, pub := newRunner(t, config.BuildConfig{
		PreviewCommand: "exec sleep 30",
		PreviewURL:     "http://localhost:5173/{project}",
	})

	url, err := r.StartPreview("p1")
	if err != nil {
		t.Fatalf("StartPreview() error = %v", err)
	}
	if url != "http://localhost:5173/p1" {
		t.Errorf("url = %q", url)
	}
	if got, ok := r.PreviewURL("p1"); !ok || got != url {
		t.Errorf("PreviewURL() = %q, %v", got, ok)
	}
	if _, err := r.StartPreview("p1"); !errors.Is(err, ErrPreviewRunning) {
		t.Errorf("second StartPreview() error = %v, want ErrPreviewRunning", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.StopPreview(ctx, "p1"); err != nil {
		t.Fatalf("StopPreview() error = %v", err)
	}
	if _, ok := r.PreviewURL("p1"); ok {
		t.Error("preview still registered after stop")
	}
	if got := pub.types(); !sameTypes(got, []event.Type{event.PreviewReady, event.PreviewStopped}) {
		t.Errorf("events = %v", got)
	}
	if p := pub.last().Payload.(event.BuildPayload); p.Status != "stopped" {
		t.Errorf("preview_stopped status = %q, want stopped", p.Status)
	}
	if err := r.StopPreview(ctx, "p1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("StopPreview() again error = %v, want ErrNotFound", err)
	}
}

func TestPreviewExitReported(t *testing.T) {
	r, pub := newRunner(t, config.BuildConfig{PreviewCommand: "echo bye; exit 1", PreviewURL: "http://x"})
	if _, err := r.StartPreview("p1"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := r.PreviewURL("p1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("preview did not exit")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// The stop event is published right after deregistration.
	deadline = time.Now().Add(5 * time.Second)
	for len(pub.types()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("preview_stopped not published")
		}
		time.Sleep(5 * time.Millisecond)
	}
	p := pub.last().Payload.(event.BuildPayload)
	if p.Status != "exited" || !strings.Contains(p.Output, "bye") || p.Error == "" {
		t.Errorf("preview_stopped payload = %+v", p)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(5)
	b.Write([]byte("abc"))
	b.Write([]byte("defgh"))
	b.Write([]byte("ij"))
	if got := b.String(); got != "abcde\n... (5 bytes truncated)" {
		t.Errorf("String() = %q", got)
	}

	unlimited := newCappedBuffer(0)
	unlimited.Write([]byte("everything"))
	if got := unlimited.String(); got != "everything" {
		t.Errorf("String() = %q", got)
	}
}
