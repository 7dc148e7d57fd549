package worker

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/evanmendix/evergreen-fortify/internal/cache"
	"github.com/evanmendix/evergreen-fortify/internal/fetch"
	"github.com/evanmendix/evergreen-fortify/internal/summary"
	"github.com/evanmendix/evergreen-fortify/internal/trigger"
)

type fakeFetcher struct {
	calls   [][]string
	failAll bool
}

func (f *fakeFetcher) FetchAll(_ context.Context, projects []string) []fetch.Result {
	f.calls = append(f.calls, projects)
	results := make([]fetch.Result, len(projects))
	for i, p := range projects {
		results[i] = fetch.Result{Project: p, Action: fetch.ActionDownloaded}
		if f.failAll {
			results[i] = fetch.Result{Project: p, Action: fetch.ActionFailed, Err: errors.New("boom")}
		}
	}
	return results
}

type fakeProcessor struct {
	calls int
	err   error
}

func (f *fakeProcessor) ProcessDir(string) ([]summary.ProjectReport, error) {
	f.calls++
	return nil, f.err
}

type fakeTrigger struct {
	calls [][]string
}

func (f *fakeTrigger) TriggerAll(_ context.Context, projects []string) []trigger.Result {
	f.calls = append(f.calls, projects)
	results := make([]trigger.Result, len(projects))
	for i, p := range projects {
		results[i] = trigger.Result{Project: p, RunID: 900 + i}
	}
	return results
}

func newFixture(t *testing.T) (*Worker, *cache.Store, *fakeFetcher, *fakeProcessor, *fakeTrigger) {
	t.Helper()
	store, err := cache.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	fetcher := &fakeFetcher{}
	processor := &fakeProcessor{}
	trig := &fakeTrigger{}
	w := New(store, fetcher, processor, trig, t.TempDir(), 0, slog.New(slog.DiscardHandler))
	return w, store, fetcher, processor, trig
}

func TestRunOnce_NoJobs(t *testing.T) {
	w, _, _, _, _ := newFixture(t)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("RunOnce claimed a job from an empty queue")
	}
}

func TestRunOnce_FetchJob(t *testing.T) {
	w, store, fetcher, _, _ := newFixture(t)

	job := cache.Job{ID: "j1", Type: JobFetchReports, PayloadJSON: `{"projects":["imc","ina"]}`}
	if err := store.EnqueueJob(job); err != nil {
		t.Fatal(err)
	}

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("job not claimed")
	}
	if len(fetcher.calls) != 1 || len(fetcher.calls[0]) != 2 {
		t.Errorf("fetch calls = %v", fetcher.calls)
	}

	// Completed: nothing left to claim.
	if done, _ := w.RunOnce(context.Background()); done {
		t.Error("completed job was claimed again")
	}
}

func TestRunOnce_ProcessJob(t *testing.T) {
	w, store, _, processor, _ := newFixture(t)

	if err := store.EnqueueJob(cache.Job{ID: "j2", Type: JobProcessReports, PayloadJSON: `{}`}); err != nil {
		t.Fatal(err)
	}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if processor.calls != 1 {
		t.Errorf("processor calls = %d, want 1", processor.calls)
	}
}

func TestRunOnce_TriggerJob(t *testing.T) {
	w, store, _, _, trig := newFixture(t)

	if err := store.EnqueueJob(cache.Job{ID: "j3", Type: JobTriggerPipeline, PayloadJSON: `{"projects":["imc"]}`}); err != nil {
		t.Fatal(err)
	}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(trig.calls) != 1 || trig.calls[0][0] != "imc" {
		t.Errorf("trigger calls = %v", trig.calls)
	}
}

func TestRunOnce_FailedJobIsRetriedLater(t *testing.T) {
	w, store, _, processor, _ := newFixture(t)
	processor.err = errors.New("pdf unreadable")

	if err := store.EnqueueJob(cache.Job{ID: "j4", Type: JobProcessReports, PayloadJSON: `{}`}); err != nil {
		t.Fatal(err)
	}

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("failing job not claimed")
	}

	// The retry is scheduled with backoff, so it is not immediately
	// claimable.
	if done, _ := w.RunOnce(context.Background()); done {
		t.Error("failed job reclaimed before its backoff elapsed")
	}
}

func TestRunOnce_AllFetchesFailedFailsJob(t *testing.T) {
	w, store, fetcher, _, _ := newFixture(t)
	fetcher.failAll = true

	if err := store.EnqueueJob(cache.Job{ID: "j5", Type: JobFetchReports, PayloadJSON: `{"projects":["imc"]}`, MaxAttempts: 1}); err != nil {
		t.Fatal(err)
	}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	// Attempts exhausted: job is failed, not pending.
	if done, _ := w.RunOnce(context.Background()); done {
		t.Error("exhausted job was claimed again")
	}
}

func TestRunOnce_MalformedPayload(t *testing.T) {
	w, store, _, _, _ := newFixture(t)

	if err := store.EnqueueJob(cache.Job{ID: "j6", Type: JobFetchReports, PayloadJSON: `{broken`, MaxAttempts: 1}); err != nil {
		t.Fatal(err)
	}

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Error("malformed job not claimed and failed")
	}
}
