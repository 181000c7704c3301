package event

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/Iron-Ham/teamrun/internal/domain"
)

func drain(c *Conn) []Event {
	var out []Event
	for {
		select {
		case e := <-c.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func newWiredRegistry(t *testing.T, buffer int) (*Bus, *Registry) {
	t.Helper()
	bus := NewBus(nil)
	reg := NewRegistry(buffer, nil)
	reg.Attach(bus)
	return bus, reg
}

func TestSubscriptionMatches(t *testing.T) {
	tests := []struct {
		name string
		sub  Subscription
		ev   Event
		want bool
	}{
		{"project event to project sub", Subscription{ProjectID: "p1"}, Event{ProjectID: "p1"}, true},
		{"other project", Subscription{ProjectID: "p1"}, Event{ProjectID: "p2"}, false},
		{"project event to session sub", Subscription{ProjectID: "p1", SessionID: "s1"}, Event{ProjectID: "p1"}, true},
		{"session event to project-only sub", Subscription{ProjectID: "p1"}, Event{ProjectID: "p1", SessionID: "s1"}, true},
		{"same session", Subscription{ProjectID: "p1", SessionID: "s1"}, Event{ProjectID: "p1", SessionID: "s1"}, true},
		{"other session", Subscription{ProjectID: "p1", SessionID: "s1"}, Event{ProjectID: "p1", SessionID: "s2"}, false},
		{"same session in another project", Subscription{ProjectID: "p1", SessionID: "s1"}, Event{ProjectID: "p2", SessionID: "s1"}, false},
		{"session without project matches nothing", Subscription{SessionID: "s1"}, Event{ProjectID: "p9", SessionID: "s1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.Matches(tt.ev); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistry_ProjectIsolation(t *testing.T) {
	bus, reg := newWiredRegistry(t, 16)

	c := reg.Connect("c1")
	if err := reg.Subscribe("c1", "p1", ""); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	bus.Publish(NewFileEvent(FileUpdated, "p2", "", FilePayload{Path: "a"}))
	bus.Publish(New(BuildStarted, "p1", "", nil))

	got := drain(c)
	if len(got) != 1 {
		t.Fatalf("received %d events, want 1", len(got))
	}
	if got[0].ProjectID != "p1" || got[0].Type != BuildStarted {
		t.Errorf("received %+v, want build_started for p1", got[0])
	}
}

func TestRegistry_ProjectEventReachesSessionSubscriber(t *testing.T) {
	bus, reg := newWiredRegistry(t, 16)

	c := reg.Connect("c1")
	if err := reg.Subscribe("c1", "p1", "s1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	bus.Publish(New(FileUpdated, "p1", "", nil))
	bus.Publish(New(AgentReasoning, "p1", "s2", nil))
	bus.Publish(New(AgentReasoning, "p1", "s1", nil))

	got := drain(c)
	if len(got) != 2 {
		t.Fatalf("received %d events, want 2", len(got))
	}
	if got[0].SessionID != "" || got[1].SessionID != "s1" {
		t.Errorf("received sessions %q, %q, want \"\", s1", got[0].SessionID, got[1].SessionID)
	}
}

func TestRegistry_ResubscribeReplaces(t *testing.T) {
	bus, reg := newWiredRegistry(t, 16)

	c := reg.Connect("c1")
	_ = reg.Subscribe("c1", "p1", "")
	_ = reg.Subscribe("c1", "p2", "")

	bus.Publish(New(FileCreated, "p1", "", nil))
	bus.Publish(New(FileCreated, "p2", "", nil))

	got := drain(c)
	if len(got) != 1 || got[0].ProjectID != "p2" {
		t.Errorf("received %+v, want only p2", got)
	}
	sub, ok := reg.Subscription("c1")
	if !ok || sub.ProjectID != "p2" {
		t.Errorf("Subscription() = %+v, %v, want p2", sub, ok)
	}
}

func TestRegistry_UnsubscribeAndDisconnect(t *testing.T) {
	bus, reg := newWiredRegistry(t, 16)

	c := reg.Connect("c1")
	_ = reg.Subscribe("c1", "p1", "")
	if err := reg.Unsubscribe("c1"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	bus.Publish(New(FileCreated, "p1", "", nil))
	if got := drain(c); len(got) != 0 {
		t.Errorf("received %d events after unsubscribe, want 0", len(got))
	}

	reg.Disconnect("c1")
	select {
	case <-c.Done():
	default:
		t.Fatal("Done() not closed after Disconnect")
	}
	if reason := reg.CloseReason(c); reason != CloseDisconnected {
		t.Errorf("CloseReason() = %q, want %q", reason, CloseDisconnected)
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", reg.Len())
	}

	err := reg.Subscribe("c1", "p1", "")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Subscribe after disconnect error = %v, want ErrNotFound", err)
	}
	reg.Disconnect("c1")
}

func TestRegistry_EmptySubscription(t *testing.T) {
	reg := NewRegistry(4, nil)
	reg.Connect("c1")
	for _, session := range []string{"", "s1"} {
		if err := reg.Subscribe("c1", "", session); !errors.Is(err, ErrEmptySubscription) {
			t.Errorf("Subscribe(\"\", %q) error = %v, want ErrEmptySubscription", session, err)
		}
	}
}

func TestRegistry_SessionSubscriberIgnoresOtherProjects(t *testing.T) {
	bus, reg := newWiredRegistry(t, 16)

	c := reg.Connect("c1")
	if err := reg.Subscribe("c1", "p1", "s1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	bus.Publish(NewFileEvent(FileUpdated, "p2", "s1", FilePayload{Path: "a"}))

	if got := drain(c); len(got) != 0 {
		t.Errorf("received %d events for project p2, want 0", len(got))
	}
}

func TestRegistry_ResubscribeMovesShard(t *testing.T) {
	reg := NewRegistry(4, nil)
	reg.Connect("c1")
	_ = reg.Subscribe("c1", "p1", "")
	_ = reg.Subscribe("c1", "p2", "s1")

	reg.mu.RLock()
	_, p1 := reg.projects["p1"]
	_, p2 := reg.projects["p2"]
	reg.mu.RUnlock()
	if p1 || !p2 {
		t.Errorf("shards p1=%v p2=%v, want only p2", p1, p2)
	}

	reg.Disconnect("c1")
	reg.mu.RLock()
	n := len(reg.projects)
	reg.mu.RUnlock()
	if n != 0 {
		t.Errorf("shards after disconnect = %d, want 0", n)
	}
}

func TestRegistry_ConcurrentProjects(t *testing.T) {
	bus, reg := newWiredRegistry(t, 1024)

	const projects, perProject = 8, 100
	conns := make([]*Conn, projects)
	for i := range conns {
		id := fmt.Sprintf("c%d", i)
		conns[i] = reg.Connect(id)
		if err := reg.Subscribe(id, fmt.Sprintf("p%d", i), ""); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < projects; i++ {
		wg.Add(1)
		go func(project string) {
			defer wg.Done()
			for j := 0; j < perProject; j++ {
				bus.Publish(New(FileUpdated, project, "", j))
			}
		}(fmt.Sprintf("p%d", i))
	}
	wg.Wait()

	for i, c := range conns {
		got := drain(c)
		if len(got) != perProject {
			t.Fatalf("conn %d received %d events, want %d", i, len(got), perProject)
		}
		for j, e := range got {
			if e.Payload.(int) != j || e.Seq != uint64(j+1) {
				t.Fatalf("conn %d event %d = payload %v seq %d", i, j, e.Payload, e.Seq)
			}
		}
	}
}

func TestRegistry_SlowConsumerDetached(t *testing.T) {
	bus, reg := newWiredRegistry(t, 2)

	slow := reg.Connect("slow")
	fast := reg.Connect("fast")
	_ = reg.Subscribe("slow", "p1", "")
	_ = reg.Subscribe("fast", "p1", "")

	for i := 0; i < 3; i++ {
		bus.Publish(New(FileUpdated, "p1", "", i))
		drain(fast)
	}

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow connection was not detached")
	}
	if reason := reg.CloseReason(slow); reason != CloseSlowConsumer {
		t.Errorf("CloseReason() = %q, want %q", reason, CloseSlowConsumer)
	}
	select {
	case <-fast.Done():
		t.Error("fast connection was detached")
	default:
	}
	if _, detached := reg.Stats(); detached != 1 {
		t.Errorf("detached = %d, want 1", detached)
	}
}

func TestRegistry_ReconnectSameIDReplaces(t *testing.T) {
	reg := NewRegistry(4, nil)
	first := reg.Connect("c1")
	second := reg.Connect("c1")

	select {
	case <-first.Done():
	default:
		t.Error("first connection not closed on reconnect")
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", reg.Len())
	}
	reg.Close()
	if reason := reg.CloseReason(second); reason != CloseShutdown {
		t.Errorf("CloseReason() = %q, want %q", reason, CloseShutdown)
	}
}

// A connection subscribed to P (and optionally S) receives every matching
// event in publication order with strictly increasing Seq, and nothing for
// other projects.
func TestRegistry_OrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		bus := NewBus(nil)
		reg := NewRegistry(1024, nil)
		reg.Attach(bus)

		sessionSub := rapid.SampledFrom([]string{"", "s1"}).Draw(rt, "sessionSub")
		c := reg.Connect("c")
		if err := reg.Subscribe("c", "p1", sessionSub); err != nil {
			rt.Fatalf("Subscribe: %v", err)
		}

		n := rapid.IntRange(1, 200).Draw(rt, "n")
		sub := Subscription{ProjectID: "p1", SessionID: sessionSub}
		var want []int
		for i := 0; i < n; i++ {
			project := rapid.SampledFrom([]string{"p1", "p2"}).Draw(rt, fmt.Sprintf("project%d", i))
			session := rapid.SampledFrom([]string{"", "s1", "s2"}).Draw(rt, fmt.Sprintf("session%d", i))
			e := New(FileUpdated, project, session, i)
			if sub.Matches(e) {
				want = append(want, i)
			}
			bus.Publish(e)
		}

		got := drain(c)
		if len(got) != len(want) {
			rt.Fatalf("received %d events, want %d", len(got), len(want))
		}
		for i, e := range got {
			if e.Payload.(int) != want[i] {
				rt.Fatalf("event %d payload = %v, want %d", i, e.Payload, want[i])
			}
			if e.Seq != uint64(i+1) {
				rt.Fatalf("event %d seq = %d, want %d", i, e.Seq, i+1)
			}
			if e.ProjectID != "p1" {
				rt.Fatalf("received event for project %q", e.ProjectID)
			}
		}
	})
}
