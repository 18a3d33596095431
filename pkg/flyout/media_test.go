package flyout

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type aggregatorHarness struct {
	dispatcher  *Dispatcher
	aggregator  *MediaSessionAggregator
	logs        *observer.ObservedLogs
	transitions []bool
}

func newAggregatorHarness(t *testing.T, provider MediaSessionProvider) *aggregatorHarness {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &aggregatorHarness{
		dispatcher: startDispatcher(t),
		logs:       logs,
	}
	h.aggregator = newMediaSessionAggregator(ctx, zap.New(core).Sugar(), h.dispatcher, provider, func(available bool) {
		h.transitions = append(h.transitions, available)
	})

	return h
}

func (h *aggregatorHarness) attach(t *testing.T) {
	t.Helper()

	h.dispatcher.Post(h.aggregator.Attach)
	eventually(t, h.dispatcher, func() bool { return !h.aggregator.pending })
}

func (h *aggregatorHarness) created(id string) int {
	return h.logs.FilterMessage("Created session control").FilterField(zap.String("session", id)).Len()
}

func TestAggregatorRebuildsOnChange(t *testing.T) {
	a, b, c := newFakeSession("a", "player"), newFakeSession("b", "browser"), newFakeSession("c", "podcasts")
	manager := &fakeSessionManager{sessions: []MediaSession{a, b}}
	h := newAggregatorHarness(t, &fakeProvider{manager: manager})

	h.attach(t)
	drain(t, h.dispatcher)

	var before int
	h.dispatcher.Invoke(context.Background(), func() {
		if !h.aggregator.Available() {
			t.Error("aggregator unavailable with two sessions")
		}
		before = len(h.transitions)
	})

	manager.setSessions(c)
	drain(t, h.dispatcher)

	if a.releaseCount() != 1 || b.releaseCount() != 1 {
		t.Errorf("released a=%d b=%d, want 1 each", a.releaseCount(), b.releaseCount())
	}
	if c.releaseCount() != 0 {
		t.Errorf("live session released %d times", c.releaseCount())
	}
	if n := h.created("c"); n != 1 {
		t.Errorf("created %d controls for c, want 1", n)
	}

	h.dispatcher.Invoke(context.Background(), func() {
		for _, available := range h.transitions[before:] {
			if !available {
				t.Error("availability dropped during rebuild")
			}
		}

		sessions := h.aggregator.Sessions()
		if len(sessions) != 1 || sessions[0].ID != "c" || sessions[0].App != "podcasts" {
			t.Errorf("sessions = %+v, want only c", sessions)
		}
	})
}

func TestAggregatorUnavailableWithoutSessions(t *testing.T) {
	a := newFakeSession("a", "player")
	manager := &fakeSessionManager{sessions: []MediaSession{a}}
	h := newAggregatorHarness(t, &fakeProvider{manager: manager})

	h.attach(t)
	drain(t, h.dispatcher)

	manager.setSessions()
	drain(t, h.dispatcher)

	h.dispatcher.Invoke(context.Background(), func() {
		if h.aggregator.Available() {
			t.Error("aggregator available with zero sessions")
		}
		if last := h.transitions[len(h.transitions)-1]; last {
			t.Error("last availability report was true")
		}
	})

	if a.releaseCount() != 1 {
		t.Errorf("removed session released %d times, want 1", a.releaseCount())
	}
}

func TestAggregatorProviderFailure(t *testing.T) {
	h := newAggregatorHarness(t, &fakeProvider{err: ErrMediaUnavailable})

	h.attach(t)

	h.dispatcher.Invoke(context.Background(), func() {
		if h.aggregator.Available() {
			t.Error("aggregator available after provider failure")
		}
		if len(h.transitions) != 0 {
			t.Errorf("availability reported %v, want nothing", h.transitions)
		}
	})
}

func TestAggregatorDiscardsLateManager(t *testing.T) {
	gate := make(chan struct{})
	manager := &fakeSessionManager{sessions: []MediaSession{newFakeSession("a", "player")}}
	h := newAggregatorHarness(t, &fakeProvider{manager: manager, gate: gate})

	h.dispatcher.Post(h.aggregator.Attach)
	drain(t, h.dispatcher)

	// still blocked in RequestManager
	h.dispatcher.Invoke(context.Background(), func() {
		if h.aggregator.Available() {
			t.Error("aggregator available before the manager arrived")
		}
	})

	h.dispatcher.Post(h.aggregator.Detach)
	close(gate)

	eventually(t, h.dispatcher, func() bool {
		return h.logs.FilterMessage("Discarding media session manager acquired after detach").Len() == 1
	})

	h.dispatcher.Invoke(context.Background(), func() {
		if h.aggregator.Available() || h.aggregator.manager != nil {
			t.Error("late manager was attached after detach")
		}
	})

	if n := manager.closeCount(); n != 1 {
		t.Errorf("late manager closed %d times, want 1", n)
	}
}

func TestAggregatorClosesManagerWhenSubscribeFails(t *testing.T) {
	manager := &fakeSessionManager{
		sessions:     []MediaSession{newFakeSession("a", "player")},
		subscribeErr: errors.New("bus gone"),
	}
	h := newAggregatorHarness(t, &fakeProvider{manager: manager})

	h.dispatcher.Post(h.aggregator.Attach)
	eventually(t, h.dispatcher, func() bool {
		return h.logs.FilterMessage("Failed to subscribe to media session changes, staying unavailable").Len() == 1
	})

	h.dispatcher.Invoke(context.Background(), func() {
		if h.aggregator.Available() || h.aggregator.manager != nil {
			t.Error("manager attached although subscribing failed")
		}
	})

	if n := manager.closeCount(); n != 1 {
		t.Errorf("manager closed %d times, want 1", n)
	}
}

func TestAggregatorDetachDisposesOnce(t *testing.T) {
	a, b := newFakeSession("a", "player"), newFakeSession("b", "browser")
	manager := &fakeSessionManager{sessions: []MediaSession{a, b}}
	h := newAggregatorHarness(t, &fakeProvider{manager: manager})

	h.attach(t)
	h.dispatcher.Post(h.aggregator.Detach)
	h.dispatcher.Post(h.aggregator.Detach)
	drain(t, h.dispatcher)

	if a.releaseCount() != 1 || b.releaseCount() != 1 {
		t.Errorf("released a=%d b=%d, want 1 each", a.releaseCount(), b.releaseCount())
	}
	if manager.closed != 1 || manager.unsubscribe != 1 {
		t.Errorf("manager closed %d times, unsubscribed %d times, want 1 each", manager.closed, manager.unsubscribe)
	}

	// no longer subscribed, so this must not rebuild anything
	manager.setSessions(newFakeSession("c", "podcasts"))
	drain(t, h.dispatcher)

	if n := h.created("c"); n != 0 {
		t.Errorf("created %d controls after detach", n)
	}
}

func TestAggregatorCollapsesDuplicateSessions(t *testing.T) {
	first, duplicate := newFakeSession("a", "player"), newFakeSession("a", "player")
	manager := &fakeSessionManager{sessions: []MediaSession{first, duplicate}}
	h := newAggregatorHarness(t, &fakeProvider{manager: manager})

	h.attach(t)

	h.dispatcher.Invoke(context.Background(), func() {
		if n := len(h.aggregator.Sessions()); n != 1 {
			t.Errorf("got %d sessions, want 1", n)
		}
	})

	if duplicate.releaseCount() != 1 {
		t.Errorf("duplicate released %d times, want 1", duplicate.releaseCount())
	}
}

func TestAggregatorControl(t *testing.T) {
	a := newFakeSession("a", "player")
	h := newAggregatorHarness(t, &fakeProvider{manager: &fakeSessionManager{sessions: []MediaSession{a}}})

	h.attach(t)

	h.dispatcher.Invoke(context.Background(), func() {
		if err := h.aggregator.Control("a", CommandPause); err != nil {
			t.Errorf("Control: %v", err)
			return
		}
		if status := h.aggregator.Sessions()[0].Status; status != StatusPaused {
			t.Errorf("status = %s after pause, want paused", status)
		}
		if err := h.aggregator.Control("missing", CommandPlay); err == nil {
			t.Error("Control on unknown session succeeded")
		}
	})
}

func TestSessionControlDisposedRejectsCommands(t *testing.T) {
	session := newFakeSession("a", "player")
	control := newSessionControl(newTestLogger(t), session)

	control.Dispose()
	control.Dispose()

	if session.releaseCount() != 1 {
		t.Errorf("released %d times, want 1", session.releaseCount())
	}
	if err := control.Control(CommandPlay); !errors.Is(err, errSessionDisposed) {
		t.Errorf("Control after dispose = %v, want errSessionDisposed", err)
	}
}

func TestParseTransportCommand(t *testing.T) {
	tests := map[string]TransportCommand{
		"play":      CommandPlay,
		" Pause ":   CommandPause,
		"toggle":    CommandPlayPause,
		"playpause": CommandPlayPause,
		"next":      CommandNext,
		"prev":      CommandPrevious,
		"previous":  CommandPrevious,
		"stop":      CommandStop,
	}

	for input, want := range tests {
		got, err := ParseTransportCommand(input)
		if err != nil || got != want {
			t.Errorf("ParseTransportCommand(%q) = %q, %v, want %q", input, got, err, want)
		}
	}

	if _, err := ParseTransportCommand("rewind"); err == nil {
		t.Error("ParseTransportCommand(\"rewind\") succeeded")
	}
}

func TestAggregatorRefreshesSessionInfoInPlace(t *testing.T) {
	a, b := newFakeSession("a", "player"), newFakeSession("b", "browser")
	manager := &fakeSessionManager{sessions: []MediaSession{a, b}}
	h := newAggregatorHarness(t, &fakeProvider{manager: manager})

	var infoChanges int
	h.aggregator.onInfoChanged = func() { infoChanges++ }

	h.attach(t)
	drain(t, h.dispatcher)

	var transitions int
	h.dispatcher.Invoke(context.Background(), func() { transitions = len(h.transitions) })

	a.setTitle("next track")
	manager.touch("a")
	manager.touch("unknown")
	drain(t, h.dispatcher)

	h.dispatcher.Invoke(context.Background(), func() {
		sessions := h.aggregator.Sessions()
		if len(sessions) != 2 || sessions[0].Title != "next track" {
			t.Errorf("sessions after info change: %+v", sessions)
		}
		if infoChanges != 1 {
			t.Errorf("info change reported %d times, want 1", infoChanges)
		}
		if len(h.transitions) != transitions {
			t.Error("info change reported an availability transition")
		}
	})

	if a.releaseCount() != 0 || b.releaseCount() != 0 {
		t.Errorf("info change rebuilt the set: released a=%d b=%d", a.releaseCount(), b.releaseCount())
	}
	if n := h.created("a"); n != 1 {
		t.Errorf("created %d controls for a, want 1", n)
	}
}
