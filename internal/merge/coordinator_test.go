package merge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"pdfgen/internal/collection"
	"pdfgen/internal/storage"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads int
}

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (s *memStore) Upload(_ context.Context, key string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.uploads++
	return nil
}

func (s *memStore) Download(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStore) Health(context.Context) error { return nil }

// joinAssembler concatenates documents with "|" and wraps them in "#...#" as page numbering.
type joinAssembler struct {
	mu      sync.Mutex
	merges  int
	entered chan struct{}
	block   chan struct{}
}

func (a *joinAssembler) Merge(docs [][]byte) ([]byte, error) {
	if a.block != nil {
		a.entered <- struct{}{}
		<-a.block
	}
	a.mu.Lock()
	a.merges++
	a.mu.Unlock()
	return bytes.Join(docs, []byte("|")), nil
}

func (a *joinAssembler) AddPageNumbers(doc []byte) ([]byte, error) {
	return append(append([]byte("#"), doc...), '#'), nil
}

func (a *joinAssembler) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.merges
}

type failingAssembler struct{}

func (failingAssembler) Merge([][]byte) ([]byte, error) { return nil, errors.New("corrupt xref") }

func (failingAssembler) AddPageNumbers(doc []byte) ([]byte, error) { return doc, nil }

func setup(t *testing.T, assembler Assembler) (*collection.Registry, *memStore, *Coordinator) {
	t.Helper()
	reg := collection.NewRegistry(collection.Options{EntryTimeout: time.Hour})
	t.Cleanup(reg.Close)
	store := newMemStore()
	return reg, store, NewCoordinator(reg, store, assembler, Options{Timeout: 5 * time.Second})
}

// seed stores one artifact per component and reports it Generated.
func seed(reg *collection.Registry, store *memStore, id string, orders []*int) {
	reg.RegisterExpectedLength(id, len(orders))
	for i, order := range orders {
		componentID := string(rune('a' + i))
		store.objects[storage.Key(componentID)] = []byte(componentID)
		reg.ReportComponent(id, collection.Component{
			ID:         componentID,
			Status:     collection.StatusGenerated,
			StorageKey: storage.Key(componentID),
			Order:      order,
		})
	}
}

func waitFor(t *testing.T, reg *collection.Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !reg.Wait(ctx) {
		t.Fatalf("timeout waiting for merge")
	}
}

func TestSortComponentsOrderingLaw(t *testing.T) {
	in := []collection.Component{
		{ID: "x"},
		{ID: "three", Order: collection.IntPtr(3)},
		{ID: "one", Order: collection.IntPtr(1)},
		{ID: "y"},
		{ID: "two", Order: collection.IntPtr(2)},
	}
	got := SortComponents(in)
	var ids []string
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	if strings.Join(ids, ",") != "one,two,three,x,y" {
		t.Fatalf("unexpected order: %v", ids)
	}
	if in[0].ID != "x" {
		t.Fatalf("input must not be reordered")
	}
}

func TestMergeOrdersAndStoresUnderCollectionKey(t *testing.T) {
	reg, store, coord := setup(t, &joinAssembler{})
	seed(reg, store, "c1", []*int{collection.IntPtr(3), collection.IntPtr(1), collection.IntPtr(2)})

	if err := coord.Merge(context.Background(), "c1"); err != nil {
		t.Fatalf("merge: %v", err)
	}

	got := string(store.objects["c1.pdf"])
	if got != "#b|c|a#" {
		t.Fatalf("expected components in order 1,2,3 with page numbers, got %q", got)
	}
	col, _ := reg.Get("c1")
	if col.ArtifactKey != "c1.pdf" || col.Status != collection.StatusGenerated {
		t.Fatalf("expected merged Generated collection, got %+v", col)
	}
}

func TestTriggerFromRegistryHookMergesOnce(t *testing.T) {
	assembler := &joinAssembler{}
	reg, store, coord := setup(t, assembler)
	reg.OnGenerated(coord.Trigger)

	seed(reg, store, "c1", []*int{nil, nil})
	reg.Evaluate("c1")
	reg.Evaluate("c1")
	waitFor(t, reg)

	if assembler.count() != 1 {
		t.Fatalf("expected one merge, got %d", assembler.count())
	}
	if _, ok := store.objects["c1.pdf"]; !ok {
		t.Fatalf("merged artifact not stored")
	}

	// A second explicit merge is a no-op once the artifact is recorded.
	if err := coord.Merge(context.Background(), "c1"); err != nil {
		t.Fatalf("repeat merge: %v", err)
	}
	if assembler.count() != 1 {
		t.Fatalf("repeat merge must not rebuild, got %d merges", assembler.count())
	}
}

func TestConcurrentMergeIsGuarded(t *testing.T) {
	assembler := &joinAssembler{entered: make(chan struct{}, 1), block: make(chan struct{})}
	reg, store, coord := setup(t, assembler)
	seed(reg, store, "c1", []*int{nil})

	first := make(chan error, 1)
	go func() { first <- coord.Merge(context.Background(), "c1") }()
	<-assembler.entered

	if err := coord.Merge(context.Background(), "c1"); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}
	close(assembler.block)
	if err := <-first; err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if assembler.count() != 1 {
		t.Fatalf("expected one merge, got %d", assembler.count())
	}
}

func TestDownloadFailureMarksCollectionFailed(t *testing.T) {
	reg, store, coord := setup(t, &joinAssembler{})
	seed(reg, store, "c1", []*int{collection.IntPtr(1), collection.IntPtr(2)})
	delete(store.objects, "b.pdf")
	uploadsBefore := store.uploads

	err := coord.Merge(context.Background(), "c1")
	var mergeErr *MergeError
	if !errors.As(err, &mergeErr) {
		t.Fatalf("expected MergeError, got %v", err)
	}
	if mergeErr.Op != OpDownload || mergeErr.ComponentID != "b" || mergeErr.CollectionID != "c1" {
		t.Fatalf("unexpected merge error: %+v", mergeErr)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected wrapped not found, got %v", err)
	}
	if store.uploads != uploadsBefore {
		t.Fatalf("nothing must be uploaded on failure")
	}

	col, _ := reg.Get("c1")
	if col.Status != collection.StatusFailed {
		t.Fatalf("expected Failed, got %s", col.Status)
	}
	if !strings.HasPrefix(col.Error, "merge failed:") || !strings.Contains(col.Error, "component b") {
		t.Fatalf("unexpected failure reason %q", col.Error)
	}
}

func TestAssemblerFailureMarksCollectionFailed(t *testing.T) {
	reg, store, coord := setup(t, failingAssembler{})
	seed(reg, store, "c1", []*int{nil, nil})

	err := coord.Merge(context.Background(), "c1")
	var mergeErr *MergeError
	if !errors.As(err, &mergeErr) || mergeErr.Op != OpConcat {
		t.Fatalf("expected concat MergeError, got %v", err)
	}
	col, _ := reg.Get("c1")
	if col.Status != collection.StatusFailed {
		t.Fatalf("expected Failed, got %s", col.Status)
	}
}

func TestMergeSkipsCollectionsNotGenerated(t *testing.T) {
	reg, _, coord := setup(t, &joinAssembler{})
	reg.ReportComponent("pending", collection.Component{ID: "p", Status: collection.StatusGenerating})

	if err := coord.Merge(context.Background(), "pending"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if err := coord.Merge(context.Background(), "missing"); !errors.Is(err, collection.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
