package netmon

import (
	"testing"
	"time"

	"github.com/clawinfra/satchel/internal/clock"
	"github.com/clawinfra/satchel/internal/events"
	"github.com/clawinfra/satchel/internal/queue"
	"github.com/clawinfra/satchel/internal/types"
)

var _ queue.ConnectivityProbe = (*Monitor)(nil)

var testEpoch = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func wifi(q types.ConnectionQuality) types.Connectivity {
	return types.Connectivity{Connected: true, Type: types.ConnectionWiFi, Quality: q}
}

func offline() types.Connectivity {
	return types.Connectivity{Connected: false, Type: types.ConnectionNone, Quality: types.QualityUnknown}
}

func TestStartsOffline(t *testing.T) {
	m := New(clock.NewFake(testEpoch), nil, nil)
	if m.Online() {
		t.Error("expected monitor to start offline")
	}
	s := m.Current()
	if s.Connectivity.Connected || s.Transitions != 0 {
		t.Errorf("unexpected initial snapshot: %+v", s)
	}
}

func TestTransitionsAndTotals(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	bus := events.NewNetworkBus()
	ch, cancel := bus.Subscribe()
	defer cancel()
	m := New(clk, bus, nil)

	clk.Advance(10 * time.Minute) // offline for 10m
	m.Apply(wifi(types.QualityGood))
	if !m.Online() {
		t.Fatal("expected online after applying connectivity")
	}

	clk.Advance(5 * time.Minute) // online for 5m
	m.Apply(offline())

	s := m.Current()
	if s.OfflineTotal != 10*time.Minute {
		t.Errorf("offline total = %v, want 10m", s.OfflineTotal)
	}
	if s.OnlineTotal != 5*time.Minute {
		t.Errorf("online total = %v, want 5m", s.OnlineTotal)
	}
	if s.Transitions != 2 {
		t.Errorf("transitions = %d, want 2", s.Transitions)
	}
	if !s.LastOnline.Equal(testEpoch.Add(10 * time.Minute)) {
		t.Errorf("last online = %v", s.LastOnline)
	}
	if !s.LastOffline.Equal(testEpoch.Add(15 * time.Minute)) {
		t.Errorf("last offline = %v", s.LastOffline)
	}

	want := []events.NetworkEventKind{events.NetworkReconnected, events.NetworkDisconnected}
	for i, kind := range want {
		select {
		case ev := <-ch:
			if ev.Kind != kind {
				t.Errorf("event %d = %s, want %s", i, ev.Kind, kind)
			}
		default:
			t.Fatalf("missing event %d (%s)", i, kind)
		}
	}
}

func TestDuplicateReportsIgnored(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	bus := events.NewNetworkBus()
	ch, cancel := bus.Subscribe()
	defer cancel()
	m := New(clk, bus, nil)

	m.Apply(wifi(types.QualityGood))
	m.Apply(wifi(types.QualityGood))
	m.Apply(wifi(types.QualityGood))

	if s := m.Current(); s.Transitions != 1 {
		t.Errorf("transitions = %d, want 1", s.Transitions)
	}
	count := 0
	for {
		select {
		case <-ch:
			count++
			continue
		default:
		}
		break
	}
	if count != 1 {
		t.Errorf("expected a single event, got %d", count)
	}
}

func TestQualityChangeWhileOnline(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	bus := events.NewNetworkBus()
	ch, cancel := bus.Subscribe()
	defer cancel()
	m := New(clk, bus, nil)

	m.Apply(wifi(types.QualityGood))
	<-ch
	m.Apply(wifi(types.QualityPoor))

	select {
	case ev := <-ch:
		if ev.Kind != events.NetworkChanged {
			t.Errorf("expected changed event, got %s", ev.Kind)
		}
		if ev.State.Quality != types.QualityPoor {
			t.Errorf("expected poor quality in event, got %s", ev.State.Quality)
		}
	default:
		t.Fatal("missing changed event")
	}
	if !m.Online() {
		t.Error("quality change must not flip online state")
	}
}

func TestCurrentIncludesOpenInterval(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	m := New(clk, nil, nil)

	m.Apply(wifi(types.QualityExcellent))
	clk.Advance(90 * time.Second)

	if s := m.Current(); s.OnlineTotal != 90*time.Second {
		t.Errorf("online total = %v, want 90s", s.OnlineTotal)
	}
}
