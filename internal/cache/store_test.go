package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegion_PutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	r := NewRegion[map[string]string](s, "download_state", 1, nil)

	if _, err := r.Get(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty region: err = %v, want ErrNotFound", err)
	}

	state := map[string]string{"imc": "18231", "ina": "18244"}
	if err := r.Put(state); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := r.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["imc"] != "18231" || got["ina"] != "18244" {
		t.Errorf("Get = %v, want %v", got, state)
	}
}

func TestRegion_PutReplacesWholePayload(t *testing.T) {
	s := openTestStore(t)
	r := NewRegion[map[string]string](s, "download_state", 1, nil)

	if err := r.Put(map[string]string{"imc": "1", "ina": "2"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := r.Put(map[string]string{"imc": "3"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := r.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 1 || got["imc"] != "3" {
		t.Errorf("Get = %v, want only imc=3 (wholesale replace)", got)
	}
}

func TestStore_FreshnessWithSimulatedClock(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	r := NewRegion[map[string]string](s, "branch_info", 1, nil)

	if s.Fresh("branch_info", time.Hour) {
		t.Error("absent region reported fresh")
	}

	if err := r.Put(map[string]string{"imc": "evergreen/fortify"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !s.Fresh("branch_info", time.Hour) {
		t.Error("region not fresh immediately after put")
	}

	s.now = func() time.Time { return base.Add(59 * time.Minute) }
	if !s.Fresh("branch_info", time.Hour) {
		t.Error("region went stale before maxAge elapsed")
	}

	s.now = func() time.Time { return base.Add(61 * time.Minute) }
	if s.Fresh("branch_info", time.Hour) {
		t.Error("region still fresh after maxAge elapsed")
	}
}

func TestRegion_CorruptPayload(t *testing.T) {
	s := openTestStore(t)
	if err := s.put("scan_results", 1, []byte(`{"truncated`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	r := NewRegion[map[string]ScanRecord](s, "scan_results", 1, nil)
	_, err := r.Get()
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Get on corrupt payload: err = %v, want ErrCorrupt", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("corrupt payload must not be reported as absent")
	}
}

func TestRegion_SchemaMismatchWithoutMigration(t *testing.T) {
	s := openTestStore(t)
	if err := s.put("pipeline_status", 1, []byte(`{}`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	r := NewRegion[map[string]PipelineRecord](s, "pipeline_status", 2, nil)
	if _, err := r.Get(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Get with version mismatch and no migration: err = %v, want ErrCorrupt", err)
	}
}

func TestRegion_SchemaMigration(t *testing.T) {
	s := openTestStore(t)

	// v1 stored build ids as integers.
	if err := s.put("download_state", 1, []byte(`{"imc": 18231}`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	migrate := func(stored int, raw json.RawMessage) (map[string]string, error) {
		var old map[string]int64
		if err := json.Unmarshal(raw, &old); err != nil {
			return nil, err
		}
		out := make(map[string]string, len(old))
		for k, v := range old {
			out[k] = fmt.Sprintf("%d", v)
		}
		return out, nil
	}

	r := NewRegion[map[string]string](s, "download_state", 2, migrate)
	got, err := r.Get()
	if err != nil {
		t.Fatalf("Get with migration: %v", err)
	}
	if got["imc"] != "18231" {
		t.Errorf("migrated value = %q, want %q", got["imc"], "18231")
	}
}

func TestRegion_UpdateOnEmptyRegion(t *testing.T) {
	s := openTestStore(t)
	r := NewRegion[map[string]string](s, "download_state", 1, nil)

	err := r.Update(func(cur map[string]string) map[string]string {
		if cur == nil {
			cur = make(map[string]string)
		}
		cur["imc"] = "5"
		return cur
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := r.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["imc"] != "5" {
		t.Errorf("Get after Update = %v", got)
	}
}

func TestStore_Clear(t *testing.T) {
	s := openTestStore(t)
	regions := NewRegions(s)

	if err := regions.DownloadState.Put(map[string]string{"imc": "1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := regions.Branches.Put(map[string]BranchRecord{"imc": {BranchName: "evergreen/fortify"}}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := s.Clear(RegionDownloadState); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := regions.DownloadState.Get(); !errors.Is(err, ErrNotFound) {
		t.Errorf("cleared region still readable: %v", err)
	}
	if _, err := regions.Branches.Get(); err != nil {
		t.Errorf("Clear removed an unrelated region: %v", err)
	}

	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if _, err := regions.Branches.Get(); !errors.Is(err, ErrNotFound) {
		t.Errorf("ClearAll left region behind: %v", err)
	}
}

func TestJobs_EnqueueClaimComplete(t *testing.T) {
	s := openTestStore(t)

	job := Job{ID: "job-1", Type: "fetch_reports", PayloadJSON: `{"repos":["imc"]}`}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	claimed, err := s.ClaimNextJob([]string{"fetch_reports"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if claimed == nil || claimed.ID != "job-1" {
		t.Fatalf("ClaimNextJob = %+v, want job-1", claimed)
	}
	if claimed.Status != "running" {
		t.Errorf("claimed status = %q, want running", claimed.Status)
	}

	// A running job is not claimable again.
	again, err := s.ClaimNextJob([]string{"fetch_reports"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("claimed running job twice: %+v", again)
	}

	if err := s.CompleteJob("job-1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
}

func TestJobs_FailExhaustsAttempts(t *testing.T) {
	s := openTestStore(t)

	job := Job{ID: "job-2", Type: "trigger_pipeline", PayloadJSON: `{}`, MaxAttempts: 1}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"trigger_pipeline"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("job-2", "remote call failed"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	// Attempts exhausted: never claimable again.
	claimed, err := s.ClaimNextJob([]string{"trigger_pipeline"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if claimed != nil {
		t.Errorf("failed job was reclaimed: %+v", claimed)
	}
}
