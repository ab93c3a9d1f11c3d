package buttons

import (
	"io"
	"sync"
	"testing"
	"time"

	"filament-host/pkg/reactor"
)

type recorder struct {
	mu     sync.Mutex
	states []int
}

func (rec *recorder) callback(eventtime float64, state int) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.states = append(rec.states, state)
}

func (rec *recorder) snapshot() []int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]int(nil), rec.states...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r := reactor.New()
	r.Run()
	t.Cleanup(r.End)
	return r
}

func TestRegistryRoutesAndDedupes(t *testing.T) {
	r := newTestReactor(t)
	reg := NewRegistry(r)

	rec := &recorder{}
	reg.RegisterButton("toolhead", false, rec.callback)

	reg.HandleState(1.0, "toolhead", 1)
	reg.HandleState(1.5, "toolhead", 1)
	reg.HandleState(2.0, "toolhead", 0)
	reg.HandleState(2.5, "toolhead", 7)

	got := rec.snapshot()
	want := []int{1, 0, 1}
	if len(got) != len(want) {
		t.Fatalf("delivered states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered states = %v, want %v", got, want)
		}
	}

	// Reports for unregistered buttons are dropped.
	reg.HandleState(3.0, "ghost", 1)

	status := reg.Status()
	if status["button_count"] != 1 {
		t.Fatalf("button_count = %v, want 1", status["button_count"])
	}
	states := status["states"].(map[string]int)
	if states["toolhead"] != 1 {
		t.Fatalf("toolhead state = %d, want 1", states["toolhead"])
	}
}

func TestRegistryInvert(t *testing.T) {
	r := newTestReactor(t)
	reg := NewRegistry(r)

	rec := &recorder{}
	reg.RegisterButton("toolhead", true, rec.callback)

	reg.HandleState(1.0, "toolhead", 1)
	reg.HandleState(2.0, "toolhead", 0)

	got := rec.snapshot()
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("inverted states = %v, want [0 1]", got)
	}
}

func TestRegistryPush(t *testing.T) {
	r := newTestReactor(t)
	reg := NewRegistry(r)

	var mu sync.Mutex
	pushes := 0
	reg.RegisterButtonPush("park", func(eventtime float64) {
		mu.Lock()
		pushes++
		mu.Unlock()
	})

	reg.Poke("park", 1)
	reg.Poke("park", 0)
	reg.Poke("park", 1)

	mu.Lock()
	defer mu.Unlock()
	if pushes != 2 {
		t.Fatalf("pushes = %d, want 2", pushes)
	}
}

func TestDebounceSwallowsChatter(t *testing.T) {
	r := newTestReactor(t)

	rec := &recorder{}
	db := NewDebounce(r, 0.05, rec.callback)

	db.ButtonHandler(r.Monotonic(), 0)
	waitFor(t, "initial state delivery", func() bool {
		return len(rec.snapshot()) == 1
	})

	// A blip shorter than the window never reaches the action.
	now := r.Monotonic()
	db.ButtonHandler(now, 1)
	db.ButtonHandler(now+0.001, 0)
	time.Sleep(120 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("chatter leaked through debounce: %v", got)
	}

	db.ButtonHandler(r.Monotonic(), 1)
	waitFor(t, "settled press", func() bool {
		s := rec.snapshot()
		return len(s) == 2 && s[1] == 1
	})
}

func TestPollerParsesReports(t *testing.T) {
	r := newTestReactor(t)
	reg := NewRegistry(r)

	rec := &recorder{}
	reg.RegisterButton("toolhead", false, rec.callback)

	pr, pw := io.Pipe()
	p := NewPoller(r, reg, pr)
	p.Start()
	t.Cleanup(p.Stop)

	if _, err := pw.Write([]byte("buttons state toolhead=1\r\n")); err != nil {
		t.Fatalf("write report: %v", err)
	}
	waitFor(t, "first report", func() bool {
		s := rec.snapshot()
		return len(s) == 1 && s[0] == 1
	})

	// Noise lines are skipped, extra fields go to their own buttons.
	if _, err := pw.Write([]byte("# boot banner\nbuttons state toolhead=0 spool=1\n")); err != nil {
		t.Fatalf("write report: %v", err)
	}
	waitFor(t, "second report", func() bool {
		s := rec.snapshot()
		return len(s) == 2 && s[1] == 0
	})

	// Reports split across reads are reassembled.
	if _, err := pw.Write([]byte("buttons state tool")); err != nil {
		t.Fatalf("write partial report: %v", err)
	}
	if _, err := pw.Write([]byte("head=1\n")); err != nil {
		t.Fatalf("write partial report: %v", err)
	}
	waitFor(t, "reassembled report", func() bool {
		s := rec.snapshot()
		return len(s) == 3 && s[2] == 1
	})

	p.Stop()
	if _, err := pw.Write([]byte("buttons state toolhead=0\n")); err == nil {
		t.Fatalf("write after Stop succeeded")
	}
}
