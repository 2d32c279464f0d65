package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"flashpods/internal/job"
	"flashpods/internal/upload"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testJob(id string) *job.Job {
	return &job.Job{
		ID:             id,
		UserID:         "default",
		Type:           job.TypeWorker,
		Status:         job.StatusPending,
		Command:        "echo hello",
		Image:          "ubuntu:22.04",
		CPUs:           2,
		MemoryGB:       4,
		TimeoutMinutes: 30,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestJobRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	want := testJob(job.NewID())
	want.Task = ""
	want.FilesID = "upl-1"
	if err := s.Create(ctx, want, ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := s.GetByID(ctx, want.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetByID() = nil")
	}
	if got.ID != want.ID || got.Type != want.Type || got.Status != want.Status {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got.Command != "echo hello" || got.FilesID != "upl-1" {
		t.Errorf("payload fields lost: %+v", got)
	}
	if got.StartedAt != nil || got.CompletedAt != nil || got.ExitCode != nil {
		t.Errorf("runtime fields should be unset: %+v", got)
	}

	missing, err := s.GetByID(ctx, "job_missing00000")
	if err != nil {
		t.Fatalf("GetByID(missing) error = %v", err)
	}
	if missing != nil {
		t.Errorf("GetByID(missing) = %+v, want nil", missing)
	}
}

func TestUpdateStatusStampsTimes(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	j := testJob(job.NewID())
	if err := s.Create(ctx, j, ""); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateStatus(ctx, j.ID, job.StatusStarting); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetByID(ctx, j.ID)
	if got.StartedAt != nil {
		t.Error("starting should not stamp started_at")
	}

	if err := s.UpdateStatus(ctx, j.ID, job.StatusRunning); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetByID(ctx, j.ID)
	if got.StartedAt == nil {
		t.Error("running should stamp started_at")
	}

	if err := s.UpdateStatus(ctx, j.ID, job.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetByID(ctx, j.ID)
	if got.CompletedAt == nil {
		t.Error("terminal status should stamp completed_at")
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
}

func TestSetters(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	j := testJob(job.NewID())
	if err := s.Create(ctx, j, ""); err != nil {
		t.Fatal(err)
	}

	if err := s.SetContainerID(ctx, j.ID, "ctr-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetExitCode(ctx, j.ID, 137); err != nil {
		t.Fatal(err)
	}
	if err := s.SetError(ctx, j.ID, "image pull failed"); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetByID(ctx, j.ID)
	if got.ContainerID != "ctr-1" {
		t.Errorf("ContainerID = %q", got.ContainerID)
	}
	if got.ExitCode == nil || *got.ExitCode != 137 {
		t.Errorf("ExitCode = %v", got.ExitCode)
	}
	if got.Error != "image pull failed" {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestIdempotencyMapping(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	first := testJob(job.NewID())
	if err := s.Create(ctx, first, "client-1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := s.GetByClientID(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetByClientID() error = %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("GetByClientID() = %+v, want job %s", got, first.ID)
	}

	// A second insert under the same client id must fail loudly and must
	// not leave a second job behind.
	second := testJob(job.NewID())
	err = s.Create(ctx, second, "client-1")
	if !errors.Is(err, job.ErrClientIDConflict) {
		t.Fatalf("Create() error = %v, want ErrClientIDConflict", err)
	}
	orphan, _ := s.GetByID(ctx, second.ID)
	if orphan != nil {
		t.Error("conflicting create left a job row behind")
	}
}

func TestReleaseClientID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	j := testJob(job.NewID())
	if err := s.Create(ctx, j, "client-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ReleaseClientID(ctx, j.ID); err != nil {
		t.Fatalf("ReleaseClientID() error = %v", err)
	}

	got, err := s.GetByClientID(ctx, "client-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("released mapping should not resolve")
	}

	// The client id is reusable once released.
	replacement := testJob(job.NewID())
	if err := s.Create(ctx, replacement, "client-1"); err != nil {
		t.Errorf("Create() after release error = %v", err)
	}
}

func TestListOrderAndFilter(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ids := make([]string, 3)
	for i := 0; i < 3; i++ {
		j := testJob(job.NewID())
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		ids[i] = j.ID
		if err := s.Create(ctx, j, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpdateStatus(ctx, ids[1], job.StatusRunning); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(ctx, nil, 20)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Error("List() not newest first")
	}

	running := job.StatusRunning
	filtered, err := s.List(ctx, &running, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].ID != ids[1] {
		t.Errorf("filtered = %+v, want only %s", filtered, ids[1])
	}

	limited, err := s.List(ctx, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limited len = %d, want 2", len(limited))
	}
}

func TestGetActiveAndUsage(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	usage, err := s.GetResourceUsage(ctx)
	if err != nil {
		t.Fatalf("GetResourceUsage() error = %v", err)
	}
	if usage.UsedCPUs != 0 || usage.UsedMemoryGB != 0 || usage.RunningJobs != 0 {
		t.Errorf("empty usage = %+v", usage)
	}

	running := testJob(job.NewID())
	running.CPUs, running.MemoryGB = 4, 8
	starting := testJob(job.NewID())
	starting.CPUs, starting.MemoryGB = 2, 4
	done := testJob(job.NewID())
	done.CPUs, done.MemoryGB = 8, 16

	for _, j := range []*job.Job{running, starting, done} {
		if err := s.Create(ctx, j, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpdateStatus(ctx, running.ID, job.StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, starting.ID, job.StatusStarting); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, done.ID, job.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	active, err := s.GetActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Errorf("active = %d jobs, want 2", len(active))
	}

	usage, err = s.GetResourceUsage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if usage.UsedCPUs != 6 || usage.UsedMemoryGB != 12 || usage.RunningJobs != 2 {
		t.Errorf("usage = %+v, want 6 CPUs, 12 GB, 2 jobs", usage)
	}
}

func TestGetReclaimable(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	running := testJob(job.NewID())
	failed := testJob(job.NewID())
	cleaning := testJob(job.NewID())
	cleaned := testJob(job.NewID())

	for _, j := range []*job.Job{running, failed, cleaning, cleaned} {
		if err := s.Create(ctx, j, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpdateStatus(ctx, running.ID, job.StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, failed.ID, job.StatusFailed); err != nil {
		t.Fatal(err)
	}
	// A job stranded mid-cleanup stays reclaimable so the sweep retries it.
	if err := s.UpdateStatus(ctx, cleaning.ID, job.StatusFailed); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, cleaning.ID, job.StatusCleaning); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, cleaned.ID, job.StatusCleaned); err != nil {
		t.Fatal(err)
	}

	reclaimable, err := s.GetReclaimable(ctx)
	if err != nil {
		t.Fatalf("GetReclaimable() error = %v", err)
	}
	if len(reclaimable) != 2 {
		t.Fatalf("reclaimable = %d jobs, want 2", len(reclaimable))
	}
	got := map[string]bool{}
	for _, j := range reclaimable {
		got[j.ID] = true
	}
	if !got[failed.ID] || !got[cleaning.ID] {
		t.Errorf("reclaimable jobs = %v, want %s and %s", got, failed.ID, cleaning.ID)
	}
}

func TestUploadLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	expires := time.Now().UTC().Add(30 * time.Minute)
	if err := s.CreateUpload(ctx, "upl-1", "default", expires); err != nil {
		t.Fatalf("CreateUpload() error = %v", err)
	}

	u, err := s.GetUpload(ctx, "upl-1")
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.State != upload.StateUploading {
		t.Fatalf("GetUpload() = %+v, want uploading", u)
	}
	if u.ExpiresAt == nil {
		t.Error("ExpiresAt not set")
	}

	now := time.Now().UTC()
	if err := s.FinalizeUpload(ctx, "upl-1", 2048, 3, now, now.Add(time.Hour)); err != nil {
		t.Fatalf("FinalizeUpload() error = %v", err)
	}
	u, _ = s.GetUpload(ctx, "upl-1")
	if u.State != upload.StateFinalized {
		t.Errorf("State = %q, want finalized", u.State)
	}
	if u.SizeBytes == nil || *u.SizeBytes != 2048 {
		t.Errorf("SizeBytes = %v, want 2048", u.SizeBytes)
	}
	if u.FileCount == nil || *u.FileCount != 3 {
		t.Errorf("FileCount = %v, want 3", u.FileCount)
	}

	j := testJob(job.NewID())
	if err := s.Create(ctx, j, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.ConsumeUpload(ctx, "upl-1", j.ID, now); err != nil {
		t.Fatalf("ConsumeUpload() error = %v", err)
	}
	u, _ = s.GetUpload(ctx, "upl-1")
	if u.State != upload.StateConsumed {
		t.Errorf("State = %q, want consumed", u.State)
	}
	if u.JobID != j.ID {
		t.Errorf("JobID = %q, want %s", u.JobID, j.ID)
	}

	missing, err := s.GetUpload(ctx, "upl-missing")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("GetUpload(missing) = %+v, want nil", missing)
	}
}

func TestExpireUpload(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	expires := time.Now().UTC().Add(time.Minute)
	if err := s.CreateUpload(ctx, "upl-1", "default", expires); err != nil {
		t.Fatal(err)
	}

	changed, err := s.ExpireUpload(ctx, "upl-1", true)
	if err != nil {
		t.Fatalf("ExpireUpload() error = %v", err)
	}
	if !changed {
		t.Error("ExpireUpload() = false, want true")
	}

	// Already expired, the active-only guard makes this a no-op.
	changed, err = s.ExpireUpload(ctx, "upl-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("second ExpireUpload() = true, want false")
	}
}

func TestExpiredUploadsAndDiskUsage(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := s.CreateUpload(ctx, "upl-old", "default", now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateUpload(ctx, "upl-fresh", "default", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.FinalizeUpload(ctx, "upl-fresh", 4096, 2, now, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	expired, err := s.ExpiredUploads(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredUploads() error = %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "upl-old" {
		t.Errorf("ExpiredUploads() = %+v, want only upl-old", expired)
	}

	total, err := s.UploadDiskUsage(ctx)
	if err != nil {
		t.Fatalf("UploadDiskUsage() error = %v", err)
	}
	if total != 4096 {
		t.Errorf("UploadDiskUsage() = %d, want 4096", total)
	}

	// Expired uploads stop counting toward usage.
	if _, err := s.ExpireUpload(ctx, "upl-fresh", true); err != nil {
		t.Fatal(err)
	}
	total, err = s.UploadDiskUsage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("UploadDiskUsage() after expiry = %d, want 0", total)
	}
}

func TestArtifacts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	j := testJob(job.NewID())
	if err := s.Create(ctx, j, ""); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	a := job.Artifact{Name: "out.log", Path: "/artifacts/out.log", SizeBytes: 100, CreatedAt: now}
	if err := s.AddArtifact(ctx, j.ID, a); err != nil {
		t.Fatalf("AddArtifact() error = %v", err)
	}

	// Re-recording the same name updates in place.
	a.SizeBytes = 250
	if err := s.AddArtifact(ctx, j.ID, a); err != nil {
		t.Fatalf("AddArtifact() upsert error = %v", err)
	}

	got, err := s.ListArtifacts(ctx, j.ID)
	if err != nil {
		t.Fatalf("ListArtifacts() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].SizeBytes != 250 {
		t.Errorf("SizeBytes = %d, want 250", got[0].SizeBytes)
	}
}
