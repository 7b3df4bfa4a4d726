package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pdfgen/internal/notify"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(event notify.Event) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *recordingNotifier) collectionStatuses(id string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events {
		if ev.CollectionID == id && ev.ComponentID == "" {
			out = append(out, ev.Status)
		}
	}
	return out
}

type hookRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (h *hookRecorder) hook(id string) {
	h.mu.Lock()
	h.calls = append(h.calls, id)
	h.mu.Unlock()
}

func (h *hookRecorder) count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c == id {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T) (*Registry, *hookRecorder) {
	t.Helper()
	r := NewRegistry(Options{EntryTimeout: time.Hour})
	t.Cleanup(r.Close)
	h := &hookRecorder{}
	r.OnGenerated(h.hook)
	return r, h
}

func waitHooks(t *testing.T, r *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !r.Wait(ctx) {
		t.Fatalf("timeout waiting for hooks")
	}
}

func generated(id string) Component {
	return Component{ID: id, Status: StatusGenerated, StorageKey: id + ".pdf"}
}

func TestScenarioTwoComponentsGenerateOnce(t *testing.T) {
	r, h := newTestRegistry(t)

	r.RegisterExpectedLength("c1", 2)
	r.ReportComponent("c1", generated("a"))
	r.Evaluate("c1")

	col, err := r.Get("c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if col.Status != StatusGenerating {
		t.Fatalf("expected Generating, got %s", col.Status)
	}
	if len(col.Components) != 1 {
		t.Fatalf("expected 1 component, got %d", len(col.Components))
	}

	r.ReportComponent("c1", generated("b"))
	r.Evaluate("c1")
	r.Evaluate("c1")
	waitHooks(t, r)

	col, _ = r.Get("c1")
	if col.Status != StatusGenerated {
		t.Fatalf("expected Generated, got %s", col.Status)
	}
	if got := h.count("c1"); got != 1 {
		t.Fatalf("expected merge hook once, got %d", got)
	}
}

func TestScenarioFailedComponentWithoutLength(t *testing.T) {
	r, h := newTestRegistry(t)

	r.ReportComponent("c2", Component{ID: "x", Status: StatusFailed, Error: "boom"})
	r.Evaluate("c2")

	col, err := r.Get("c2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if col.Status != StatusFailed || col.Error != "boom" {
		t.Fatalf("expected Failed/boom, got %s/%q", col.Status, col.Error)
	}
	waitHooks(t, r)
	if h.count("c2") != 0 {
		t.Fatalf("merge hook must not fire for failed collection")
	}
}

func TestUpsertReplacesInPlace(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.ReportComponent("c", Component{ID: "a", Status: StatusGenerating})
	r.ReportComponent("c", Component{ID: "b", Status: StatusGenerating})
	r.ReportComponent("c", Component{ID: "a", Status: StatusGenerated, StorageKey: "a.pdf"})

	comps := r.Components("c")
	if len(comps) != 2 {
		t.Fatalf("expected 2 components, got %d", len(comps))
	}
	if comps[0].ID != "a" || comps[0].Status != StatusGenerated || comps[0].StorageKey != "a.pdf" {
		t.Fatalf("expected a replaced at position 0, got %+v", comps[0])
	}
	if comps[0].CollectionID != "c" {
		t.Fatalf("expected collection id to be set, got %q", comps[0].CollectionID)
	}
}

func TestFailureShortCircuitsRegardlessOfLength(t *testing.T) {
	r, h := newTestRegistry(t)

	r.RegisterExpectedLength("c", 5)
	r.ReportComponent("c", generated("a"))
	r.ReportComponent("c", generated("b"))
	r.ReportComponent("c", Component{ID: "c", Status: StatusFailed})

	col, _ := r.Get("c")
	if col.Status != StatusFailed {
		t.Fatalf("expected Failed, got %s", col.Status)
	}
	if col.Error == "" {
		t.Fatalf("expected a failure reason")
	}
	waitHooks(t, r)
	if h.count("c") != 0 {
		t.Fatalf("merge hook must not fire")
	}
}

func TestTerminalCollectionsAreMonotonic(t *testing.T) {
	r, h := newTestRegistry(t)

	r.RegisterExpectedLength("g", 1)
	r.ReportComponent("g", generated("a"))
	r.ReportComponent("g", Component{ID: "a", Status: StatusFailed, Error: "late"})
	r.ReportComponent("g", Component{ID: "z", Status: StatusGenerating})
	r.Evaluate("g")

	col, _ := r.Get("g")
	if col.Status != StatusGenerated {
		t.Fatalf("expected Generated to stick, got %s", col.Status)
	}
	if len(col.Components) != 1 || col.Components[0].Status != StatusGenerated {
		t.Fatalf("terminal collection components changed: %+v", col.Components)
	}

	r.ReportComponent("f", Component{ID: "x", Status: StatusFailed, Error: "boom"})
	r.RegisterExpectedLength("f", 1)
	r.ReportComponent("f", generated("x"))
	r.Evaluate("f")

	col, _ = r.Get("f")
	if col.Status != StatusFailed || col.Error != "boom" {
		t.Fatalf("expected Failed/boom to stick, got %s/%q", col.Status, col.Error)
	}
	if col.ExpectedLength != 1 {
		t.Fatalf("expected length still recorded on terminal collection, got %d", col.ExpectedLength)
	}

	waitHooks(t, r)
	if h.count("g") != 1 || h.count("f") != 0 {
		t.Fatalf("unexpected hook calls: %v", h.calls)
	}
}

func TestUnknownLengthStaysOpen(t *testing.T) {
	r, h := newTestRegistry(t)

	for i := range 4 {
		r.ReportComponent("open", generated(fmt.Sprintf("p%d", i)))
	}
	r.Evaluate("open")

	col, _ := r.Get("open")
	if col.Status != StatusGenerating {
		t.Fatalf("expected open collection to stay Generating, got %s", col.Status)
	}

	// Declaring the length afterwards completes the collection.
	r.RegisterExpectedLength("open", 4)
	waitHooks(t, r)
	col, _ = r.Get("open")
	if col.Status != StatusGenerated {
		t.Fatalf("expected Generated after length declared, got %s", col.Status)
	}
	if h.count("open") != 1 {
		t.Fatalf("expected one hook call, got %d", h.count("open"))
	}
}

func TestConcurrentCompletionFiresOnce(t *testing.T) {
	const components = 50
	for round := range 20 {
		r, h := newTestRegistry(t)
		id := fmt.Sprintf("race-%d", round)
		r.RegisterExpectedLength(id, components)

		var wg sync.WaitGroup
		for i := range components {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r.ReportComponent(id, generated(fmt.Sprintf("c%d", i)))
				r.Evaluate(id)
			}(i)
		}
		wg.Wait()
		waitHooks(t, r)

		if got := h.count(id); got != 1 {
			t.Fatalf("round %d: expected exactly one merge, got %d", round, got)
		}
	}
}

func TestRegisterAndReportRaceCreateOneEntry(t *testing.T) {
	r, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		id := fmt.Sprintf("c%d", i)
		go func() {
			defer wg.Done()
			r.RegisterExpectedLength(id, 3)
		}()
		go func() {
			defer wg.Done()
			r.ReportComponent(id, generated("a"))
		}()
	}
	wg.Wait()

	if r.Len() != 20 {
		t.Fatalf("expected 20 collections, got %d", r.Len())
	}
	for i := range 20 {
		col, err := r.Get(fmt.Sprintf("c%d", i))
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if col.ExpectedLength != 3 || len(col.Components) != 1 {
			t.Fatalf("lost update on %s: %+v", col.ID, col)
		}
	}
}

func TestEmptyIDsAreIgnored(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.RegisterExpectedLength("", 2)
	r.ReportComponent("", generated("a"))
	r.ReportComponent("c", Component{Status: StatusGenerated})
	r.Evaluate("")

	if r.Len() != 0 {
		t.Fatalf("expected no collections, got %d", r.Len())
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)

	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if comps := r.Components("missing"); comps == nil || len(comps) != 0 {
		t.Fatalf("expected empty non-nil components, got %v", comps)
	}
	r.Evaluate("missing")
	if r.Len() != 0 {
		t.Fatalf("evaluate must not create entries")
	}
}

func TestTotalPages(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.ReportComponent("one", Component{ID: "a", Status: StatusGenerated, PageCount: IntPtr(4)})
	if got := r.TotalPages("one"); got != 0 {
		t.Fatalf("expected 0 for a single component, got %d", got)
	}

	r.ReportComponent("many", Component{ID: "a", Status: StatusGenerated, PageCount: IntPtr(2)})
	r.ReportComponent("many", Component{ID: "b", Status: StatusGenerated, PageCount: IntPtr(3)})
	r.ReportComponent("many", Component{ID: "c", Status: StatusGenerating})
	if got := r.TotalPages("many"); got != 5 {
		t.Fatalf("expected 5 pages, got %d", got)
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.ReportComponent("c", Component{ID: "a", Status: StatusGenerating, Order: IntPtr(1)})

	col, _ := r.Get("c")
	col.Components[0].Status = StatusFailed
	*col.Components[0].Order = 99

	again, _ := r.Get("c")
	if again.Components[0].Status != StatusGenerating || *again.Components[0].Order != 1 {
		t.Fatalf("snapshot mutation leaked into registry: %+v", again.Components[0])
	}
}

func TestExpiryRemovesEntry(t *testing.T) {
	r := NewRegistry(Options{EntryTimeout: 30 * time.Millisecond})
	defer r.Close()

	r.ReportComponent("c", generated("a"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Get("c"); errors.Is(err, ErrNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for expiry")
}

func TestStaleExpiryDoesNotRemoveRecreatedEntry(t *testing.T) {
	r := NewRegistry(Options{EntryTimeout: time.Hour})
	defer r.Close()

	r.ReportComponent("c", generated("a"))
	r.mu.RLock()
	old := r.entries["c"]
	r.mu.RUnlock()

	r.Remove("c")
	r.ReportComponent("c", generated("b"))
	r.expire("c", old)

	col, err := r.Get("c")
	if err != nil {
		t.Fatalf("recreated entry was removed by stale expiry: %v", err)
	}
	if len(col.Components) != 1 || col.Components[0].ID != "b" {
		t.Fatalf("unexpected components: %+v", col.Components)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.RegisterExpectedLength("c", 1)

	r.Remove("c")
	r.Remove("c")
	r.Remove("never")

	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
	if _, err := r.Get("c"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestMarkFailedOverridesGenerated(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.RegisterExpectedLength("c", 1)
	r.ReportComponent("c", generated("a"))
	waitHooks(t, r)

	if err := r.MarkFailed("c", "merge failed: boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	col, _ := r.Get("c")
	if col.Status != StatusFailed || col.Error != "merge failed: boom" {
		t.Fatalf("expected Failed with merge reason, got %s/%q", col.Status, col.Error)
	}
	if err := r.MarkFailed("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkMerged(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.ReportComponent("open", generated("a"))
	if err := r.MarkMerged("open", "open.pdf"); !errors.Is(err, ErrNotGenerated) {
		t.Fatalf("expected ErrNotGenerated, got %v", err)
	}

	r.RegisterExpectedLength("open", 1)
	waitHooks(t, r)
	if err := r.MarkMerged("open", "open.pdf"); err != nil {
		t.Fatalf("mark merged: %v", err)
	}
	col, _ := r.Get("open")
	if col.ArtifactKey != "open.pdf" {
		t.Fatalf("expected artifact key, got %q", col.ArtifactKey)
	}
}

func TestNotifierReceivesTransitions(t *testing.T) {
	n := &recordingNotifier{}
	r := NewRegistry(Options{EntryTimeout: time.Hour, Notifier: n})
	defer r.Close()
	var hookCalls atomic.Int32
	r.OnGenerated(func(string) { hookCalls.Add(1) })

	r.RegisterExpectedLength("c", 1)
	r.ReportComponent("c", generated("a"))
	waitHooks(t, r)
	if err := r.MarkMerged("c", "c.pdf"); err != nil {
		t.Fatalf("mark merged: %v", err)
	}

	statuses := n.collectionStatuses("c")
	if len(statuses) != 2 || statuses[0] != string(StatusGenerated) || statuses[1] != string(StatusGenerated) {
		t.Fatalf("unexpected collection events: %v", statuses)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	var sawComponent bool
	for _, ev := range n.events {
		if ev.ComponentID == "a" && ev.Status == string(StatusGenerated) && ev.StorageKey == "a.pdf" {
			sawComponent = true
		}
	}
	if !sawComponent {
		t.Fatalf("expected component event, got %+v", n.events)
	}
	if hookCalls.Load() != 1 {
		t.Fatalf("expected one hook call, got %d", hookCalls.Load())
	}
}
