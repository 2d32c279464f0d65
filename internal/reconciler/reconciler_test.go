package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"flashpods/internal/job"
	"flashpods/internal/runtime"
	"flashpods/internal/testutil"
	"flashpods/internal/upload"
)

type fakeJobs struct {
	mu        sync.Mutex
	active    []job.Job
	reclaim   []job.Job
	completed map[string]int
	timedOut  []string
	cleaned   []string
	artifacts map[string][]job.Artifact
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		completed: make(map[string]int),
		artifacts: make(map[string][]job.Artifact),
	}
}

func (f *fakeJobs) Active(_ context.Context) ([]job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]job.Job(nil), f.active...), nil
}

func (f *fakeJobs) Reclaimable(_ context.Context) ([]job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]job.Job(nil), f.reclaim...), nil
}

func (f *fakeJobs) Complete(_ context.Context, j *job.Job, exitCode int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[j.ID] = exitCode
	return nil
}

func (f *fakeJobs) Timeout(_ context.Context, j *job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timedOut = append(f.timedOut, j.ID)
	return nil
}

func (f *fakeJobs) Clean(_ context.Context, j *job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, j.ID)
	return nil
}

func (f *fakeJobs) RecordArtifact(_ context.Context, jobID string, a job.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[jobID] = append(f.artifacts[jobID], a)
	return nil
}

type fakeUploads struct {
	mu           sync.Mutex
	expired      []upload.Upload
	marked       []string
	observeCalls int
	usage        int64
}

func (f *fakeUploads) ObserveStaging(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observeCalls++
	return nil
}

func (f *fakeUploads) Expired(_ context.Context) ([]upload.Upload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upload.Upload(nil), f.expired...), nil
}

func (f *fakeUploads) MarkExpired(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeUploads) DiskUsage(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage, nil
}

func (f *fakeUploads) observations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.observeCalls
}

type fakeRuntime struct {
	infos      map[string]*runtime.ContainerInfo
	inspectErr error
}

func (f *fakeRuntime) Create(_ context.Context, _ *runtime.ContainerConfig) (string, error) {
	return "", nil
}
func (f *fakeRuntime) Stop(_ context.Context, _ string, _ int) error { return nil }
func (f *fakeRuntime) Kill(_ context.Context, _ string) error        { return nil }
func (f *fakeRuntime) Remove(_ context.Context, _ string) error      { return nil }
func (f *fakeRuntime) List(_ context.Context) ([]runtime.ContainerInfo, error) {
	return nil, nil
}
func (f *fakeRuntime) Ping(_ context.Context) error { return nil }
func (f *fakeRuntime) Close() error                 { return nil }

func (f *fakeRuntime) Inspect(_ context.Context, containerID string) (*runtime.ContainerInfo, error) {
	if f.inspectErr != nil {
		return nil, f.inspectErr
	}
	return f.infos[containerID], nil
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func runningJob(id, containerID string) job.Job {
	started := time.Now().UTC().Add(-time.Minute)
	return job.Job{
		ID:             id,
		Type:           job.TypeWorker,
		Status:         job.StatusRunning,
		ContainerID:    containerID,
		TimeoutMinutes: 30,
		StartedAt:      &started,
	}
}

func TestSweepCompletesExitedJobs(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.active = []job.Job{runningJob("job_ok", "ctr-ok"), runningJob("job_bad", "ctr-bad")}
	rt := &fakeRuntime{infos: map[string]*runtime.ContainerInfo{
		"ctr-ok":  {ID: "ctr-ok", State: runtime.StateExited, ExitCode: intPtr(0)},
		"ctr-bad": {ID: "ctr-bad", State: runtime.StateExited, ExitCode: intPtr(2)},
	}}

	r := New(jobs, &fakeUploads{}, rt, Config{ArtifactsDir: t.TempDir()}, nil)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if code, ok := jobs.completed["job_ok"]; !ok || code != 0 {
		t.Errorf("job_ok completed with %d (recorded %v), want 0", code, ok)
	}
	if code, ok := jobs.completed["job_bad"]; !ok || code != 2 {
		t.Errorf("job_bad completed with %d (recorded %v), want 2", code, ok)
	}
}

func TestSweepFailsVanishedContainer(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.active = []job.Job{runningJob("job_gone", "ctr-gone")}
	rt := &fakeRuntime{infos: map[string]*runtime.ContainerInfo{}}

	r := New(jobs, &fakeUploads{}, rt, Config{ArtifactsDir: t.TempDir()}, nil)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if code, ok := jobs.completed["job_gone"]; !ok || code != missingExitCode {
		t.Errorf("vanished job completed with %d (recorded %v), want %d", code, ok, missingExitCode)
	}
}

func TestSweepTimesOutOverdueJob(t *testing.T) {
	t.Parallel()
	overdue := runningJob("job_slow", "ctr-slow")
	overdue.TimeoutMinutes = 1
	overdue.StartedAt = timePtr(time.Now().UTC().Add(-2 * time.Hour))

	healthy := runningJob("job_fine", "ctr-fine")

	jobs := newFakeJobs()
	jobs.active = []job.Job{overdue, healthy}
	rt := &fakeRuntime{infos: map[string]*runtime.ContainerInfo{
		"ctr-slow": {ID: "ctr-slow", State: runtime.StateRunning},
		"ctr-fine": {ID: "ctr-fine", State: runtime.StateRunning},
	}}

	r := New(jobs, &fakeUploads{}, rt, Config{ArtifactsDir: t.TempDir()}, nil)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if len(jobs.timedOut) != 1 || jobs.timedOut[0] != "job_slow" {
		t.Errorf("timed out = %v, want [job_slow]", jobs.timedOut)
	}
	if len(jobs.completed) != 0 {
		t.Errorf("completed = %v, want none", jobs.completed)
	}
}

func TestSweepFailsContainerlessJobPastGrace(t *testing.T) {
	t.Parallel()
	fresh := job.Job{
		ID:             "job_new",
		Type:           job.TypeWorker,
		Status:         job.StatusStarting,
		TimeoutMinutes: 30,
		CreatedAt:      time.Now().UTC(),
	}
	stranded := job.Job{
		ID:             "job_stranded",
		Type:           job.TypeWorker,
		Status:         job.StatusStarting,
		TimeoutMinutes: 30,
		CreatedAt:      time.Now().UTC().Add(-time.Hour),
	}

	jobs := newFakeJobs()
	jobs.active = []job.Job{fresh, stranded}
	rt := &fakeRuntime{infos: map[string]*runtime.ContainerInfo{}}

	r := New(jobs, &fakeUploads{}, rt, Config{ArtifactsDir: t.TempDir()}, nil)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	// Within the grace window creation may still land; past it the job is
	// failed so its admission reservation is released.
	if _, acted := jobs.completed["job_new"]; acted {
		t.Error("fresh starting job was failed within its grace window")
	}
	if code, ok := jobs.completed["job_stranded"]; !ok || code != missingExitCode {
		t.Errorf("stranded job completed with %d (recorded %v), want %d", code, ok, missingExitCode)
	}
	if len(jobs.timedOut) != 0 {
		t.Errorf("timed out = %v, want none", jobs.timedOut)
	}
}

func TestSweepExpiresUploads(t *testing.T) {
	t.Parallel()
	uploads := &fakeUploads{expired: []upload.Upload{
		{ID: "upl-1", State: upload.StateUploading},
		{ID: "upl-2", State: upload.StateFinalized},
	}}

	r := New(newFakeJobs(), uploads, &fakeRuntime{}, Config{ArtifactsDir: t.TempDir()}, nil)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if len(uploads.marked) != 2 {
		t.Fatalf("marked = %v, want both uploads expired", uploads.marked)
	}
	if uploads.observeCalls != 1 {
		t.Errorf("observeCalls = %d, want 1", uploads.observeCalls)
	}
}

func TestSweepCleansTerminalJobs(t *testing.T) {
	t.Parallel()
	artifactsDir := t.TempDir()

	jobDir := filepath.Join(artifactsDir, "job_done")
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, "result.txt"), []byte("output data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, "report.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	old := job.Job{
		ID:          "job_done",
		Type:        job.TypeWorker,
		Status:      job.StatusCompleted,
		ContainerID: "ctr-done",
		CompletedAt: timePtr(time.Now().UTC().Add(-2 * time.Minute)),
	}
	fresh := job.Job{
		ID:          "job_fresh",
		Type:        job.TypeWorker,
		Status:      job.StatusCompleted,
		ContainerID: "ctr-fresh",
		CompletedAt: timePtr(time.Now().UTC()),
	}

	jobs := newFakeJobs()
	jobs.reclaim = []job.Job{old, fresh}

	cfg := Config{ArtifactsDir: artifactsDir, CleanDelay: time.Minute}
	r := New(jobs, &fakeUploads{}, &fakeRuntime{}, cfg, nil)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if len(jobs.cleaned) != 1 || jobs.cleaned[0] != "job_done" {
		t.Fatalf("cleaned = %v, want [job_done]", jobs.cleaned)
	}

	recorded := jobs.artifacts["job_done"]
	if len(recorded) != 2 {
		t.Fatalf("recorded %d artifacts, want 2", len(recorded))
	}
	byName := make(map[string]job.Artifact, len(recorded))
	for _, a := range recorded {
		byName[a.Name] = a
	}
	if a, ok := byName["result.txt"]; !ok || a.SizeBytes != int64(len("output data")) {
		t.Errorf("result.txt = %+v, want size %d", a, len("output data"))
	}
	if _, ok := byName["report.json"]; !ok {
		t.Error("report.json not recorded")
	}
	if len(jobs.artifacts["job_fresh"]) != 0 {
		t.Errorf("fresh job got artifacts recorded before its clean delay")
	}
}

func TestSweepRetriesInterruptedCleanup(t *testing.T) {
	t.Parallel()
	stuck := job.Job{
		ID:          "job_stuck",
		Type:        job.TypeWorker,
		Status:      job.StatusCleaning,
		ContainerID: "ctr-stuck",
		CompletedAt: timePtr(time.Now().UTC().Add(-time.Hour)),
	}

	jobs := newFakeJobs()
	jobs.reclaim = []job.Job{stuck}

	cfg := Config{ArtifactsDir: t.TempDir(), CleanDelay: time.Minute}
	r := New(jobs, &fakeUploads{}, &fakeRuntime{}, cfg, nil)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	// A job left in Cleaning by a failed removal is swept again.
	if len(jobs.cleaned) != 1 || jobs.cleaned[0] != "job_stuck" {
		t.Errorf("cleaned = %v, want [job_stuck]", jobs.cleaned)
	}
}

func TestStartAndClose(t *testing.T) {
	t.Parallel()
	uploads := &fakeUploads{}
	cfg := Config{Interval: 10 * time.Millisecond, ArtifactsDir: t.TempDir()}
	r := New(newFakeJobs(), uploads, &fakeRuntime{}, cfg, nil)

	r.Start()
	testutil.Eventually(t, func() bool { return uploads.observations() >= 2 }, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
