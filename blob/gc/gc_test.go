package gc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/mailcore/blob"
	"github.com/rbaliyan/mailcore/blob/memory"
	"github.com/rbaliyan/mailcore/task"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type refs struct {
	ids []blob.ID
	err error
}

func (r refs) ForEachReference(_ context.Context, fn func(blob.ID) error) error {
	if r.err != nil {
		return r.err
	}
	for _, id := range r.ids {
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func (refs) Name() string { return "test" }

type failingDelete struct {
	blob.DAO
}

func (failingDelete) Delete(context.Context, blob.BucketName, ...blob.ID) error {
	return errors.New("delete failed")
}

// tight keeps false positives out of the way of exact assertions.
func tight() Parameters {
	p := DefaultParameters()
	p.ExpectedBlobCount = 1000
	p.AssociatedProbability = 0.000001
	p.DeletionWindowSize = 2
	return p
}

func save(t *testing.T, dao blob.DAO, id blob.ID) {
	t.Helper()
	if err := dao.Save(context.Background(), blob.DefaultBucket, id, []byte(id)); err != nil {
		t.Fatalf("Save(%s): %v", id, err)
	}
}

func exists(t *testing.T, dao blob.DAO, id blob.ID) bool {
	t.Helper()
	_, err := dao.ReadBytes(context.Background(), blob.DefaultBucket, id)
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("ReadBytes(%s): %v", id, err)
	}
	return err == nil
}

func TestCollect(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	factory := blob.NewGenerationAwareIDFactory(clk.Now)
	dao := memory.New()

	referenced := factory.Random()
	orphans := []blob.ID{factory.Random(), factory.Random(), factory.Random()}
	plain := blob.ID("legacy-blob")
	for _, id := range append([]blob.ID{referenced, plain}, orphans...) {
		save(t, dao, id)
	}

	clk.Advance(3 * blob.DefaultGenerationDuration)
	fresh := factory.Random()
	save(t, dao, fresh)

	c, err := NewCollector(dao, factory, []ReferenceSource{refs{ids: []blob.ID{referenced}}})
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	result, report, err := c.Run(ctx, tight())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != task.Completed {
		t.Errorf("expected completed, got %v", result)
	}

	for _, id := range orphans {
		if exists(t, dao, id) {
			t.Errorf("orphan %s should have been collected", id)
		}
	}
	for _, id := range []blob.ID{referenced, plain, fresh} {
		if !exists(t, dao, id) {
			t.Errorf("%s should have been kept", id)
		}
	}

	if report.Type != TaskType {
		t.Errorf("type = %s", report.Type)
	}
	if report.ReferenceSourceCount != 1 || report.BlobCount != 6 || report.GCedBlobCount != 3 || report.ErrorCount != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if report.DeletionWindowSize != 2 || report.BloomFilterExpectedBlobCount != 1000 {
		t.Errorf("parameters not reported: %+v", report)
	}
}

func TestYoungBlobsAreKept(t *testing.T) {
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	factory := blob.NewGenerationAwareIDFactory(clk.Now)
	dao := memory.New()

	id := factory.Random()
	save(t, dao, id)
	clk.Advance(blob.DefaultGenerationDuration)

	c, _ := NewCollector(dao, factory, nil)
	if _, report, err := c.Run(context.Background(), tight()); err != nil || report.GCedBlobCount != 0 {
		t.Fatalf("Run: report=%+v err=%v", report, err)
	}
	if !exists(t, dao, id) {
		t.Error("blob one generation old must survive")
	}
}

func TestPartialOnDeleteFailure(t *testing.T) {
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	factory := blob.NewGenerationAwareIDFactory(clk.Now)
	dao := memory.New()
	save(t, dao, factory.Random())
	save(t, dao, factory.Random())
	save(t, dao, factory.Random())
	clk.Advance(3 * blob.DefaultGenerationDuration)

	c, _ := NewCollector(failingDelete{dao}, factory, nil)
	result, report, err := c.Run(context.Background(), tight())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != task.Partial {
		t.Errorf("expected partial, got %v", result)
	}
	// Three candidates in windows of two.
	if report.ErrorCount != 2 || report.GCedBlobCount != 0 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestReferenceSourceFailureAborts(t *testing.T) {
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	factory := blob.NewGenerationAwareIDFactory(clk.Now)
	dao := memory.New()
	id := factory.Random()
	save(t, dao, id)
	clk.Advance(3 * blob.DefaultGenerationDuration)

	c, _ := NewCollector(dao, factory, []ReferenceSource{refs{err: errors.New("db down")}})
	result, _, err := c.Run(context.Background(), tight())
	if err == nil || result != task.Partial {
		t.Fatalf("expected partial with error, got %v, %v", result, err)
	}
	if !exists(t, dao, id) {
		t.Error("nothing may be deleted when references are incomplete")
	}
}

func TestParametersValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Parameters)
		valid  bool
	}{
		{"defaults", func(*Parameters) {}, true},
		{"zero expected", func(p *Parameters) { p.ExpectedBlobCount = 0 }, false},
		{"negative window", func(p *Parameters) { p.DeletionWindowSize = -1 }, false},
		{"probability zero", func(p *Parameters) { p.AssociatedProbability = 0 }, false},
		{"probability one", func(p *Parameters) { p.AssociatedProbability = 1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParameters()
			tt.mutate(&p)
			err := p.Validate()
			if tt.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidParameters) {
				t.Errorf("expected ErrInvalidParameters, got %v", err)
			}
		})
	}
}

func TestNewCollectorRequiresDAO(t *testing.T) {
	if _, err := NewCollector(nil, blob.NewGenerationAwareIDFactory(nil), nil); !errors.Is(err, blob.ErrDAORequired) {
		t.Errorf("expected ErrDAORequired, got %v", err)
	}
}

func TestTaskUnderManager(t *testing.T) {
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	factory := blob.NewGenerationAwareIDFactory(clk.Now)
	dao := memory.New()
	save(t, dao, factory.Random())
	clk.Advance(3 * blob.DefaultGenerationDuration)

	m, err := task.NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close(context.Background())

	c, _ := NewCollector(dao, factory, nil)
	id, err := m.Submit(NewTask(c, tight()))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	d, err := m.Await(context.Background(), id, 5*time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if d.Status != task.StatusCompleted || d.Type != TaskType {
		t.Fatalf("unexpected details %+v", d)
	}
	info, ok := d.AdditionalInformation.(Context)
	if !ok {
		t.Fatalf("expected gc context, got %T", d.AdditionalInformation)
	}
	if info.GCedBlobCount != 1 {
		t.Errorf("expected one collected blob, got %d", info.GCedBlobCount)
	}
}

func TestRepeatedRunsCollectEveryOrphan(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	factory := blob.NewGenerationAwareIDFactory(clk.Now)
	dao := memory.New()

	referenced := make([]blob.ID, 16)
	for i := range referenced {
		referenced[i] = factory.Random()
		save(t, dao, referenced[i])
	}
	orphans := make([]blob.ID, 40)
	for i := range orphans {
		orphans[i] = factory.Random()
		save(t, dao, orphans[i])
	}
	clk.Advance(3 * blob.DefaultGenerationDuration)

	// An undersized filter with a loose probability keeps many orphans as
	// false positives on every run.
	p := DefaultParameters()
	p.ExpectedBlobCount = 8
	p.AssociatedProbability = 0.5

	c, err := NewCollector(dao, factory, []ReferenceSource{refs{ids: referenced}})
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	const maxRuns = 300
	var collected int64
	runs := 0
	for ; runs < maxRuns && collected < int64(len(orphans)); runs++ {
		_, report, err := c.Run(ctx, p)
		if err != nil {
			t.Fatalf("Run %d: %v", runs, err)
		}
		if runs == 0 && report.GCedBlobCount == int64(len(orphans)) {
			t.Errorf("expected false positives to keep orphans on the first run")
		}
		collected += report.GCedBlobCount
	}
	if collected != int64(len(orphans)) {
		t.Fatalf("collected %d of %d orphans after %d runs", collected, len(orphans), runs)
	}
	t.Logf("every orphan collected after %d runs", runs)

	for _, id := range orphans {
		if exists(t, dao, id) {
			t.Errorf("orphan %s survived", id)
		}
	}
	for _, id := range referenced {
		if !exists(t, dao, id) {
			t.Errorf("referenced blob %s was collected", id)
		}
	}
}
