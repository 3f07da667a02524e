package queue

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/transcribegate/transcribegate/internal/blob"
	"github.com/transcribegate/transcribegate/internal/config"
	"github.com/transcribegate/transcribegate/internal/job"
	"github.com/transcribegate/transcribegate/internal/transcribe"
)

type fakeEngine struct {
	mu        sync.Mutex
	calls     int
	perFile   map[string]int
	active    map[string]int
	maxActive int
	release   chan struct{} // when set, Transcribe waits for it
	result    transcribe.Result
	err       error
}

func (e *fakeEngine) Transcribe(ctx context.Context, path string) (transcribe.Result, error) {
	name := filepath.Base(path)
	e.mu.Lock()
	if e.perFile == nil {
		e.perFile = make(map[string]int)
		e.active = make(map[string]int)
	}
	e.calls++
	e.perFile[name]++
	e.active[name]++
	e.maxActive = max(e.maxActive, e.active[name])
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.active[name]--
		e.mu.Unlock()
	}()
	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
			return transcribe.Result{}, ctx.Err()
		}
	}
	return e.result, e.err
}

func (e *fakeEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// CallsFor returns how many times name was transcribed and the highest number of
// simultaneous calls seen for any single file.
func (e *fakeEngine) CallsFor(name string) (calls, maxActive int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.perFile[name], e.maxActive
}

type recordingNotifier struct {
	mu   sync.Mutex
	seen []job.Completion
}

func (n *recordingNotifier) Notify(_ context.Context, c job.Completion) {
	n.mu.Lock()
	n.seen = append(n.seen, c)
	n.mu.Unlock()
}

func (n *recordingNotifier) All() []job.Completion {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]job.Completion(nil), n.seen...)
}

func testConfig() *config.Config {
	return &config.Config{
		Concurrency:  1,
		QueueSize:    10,
		JobTimeout:   time.Minute,
		StaleAfter:   time.Hour,
		ReapInterval: time.Hour,
	}
}

type fixture struct {
	q        *Queue
	store    *job.Store
	blobs    *blob.FS
	notifier *recordingNotifier
}

func newFixture(t *testing.T, cfg *config.Config, eng transcribe.Engine) *fixture {
	return newFixtureWith(t, cfg, eng, nil)
}

// newFixtureWith lets wrap intercept document writes.
func newFixtureWith(t *testing.T, cfg *config.Config, eng transcribe.Engine, wrap func(job.Documents) job.Documents) *fixture {
	t.Helper()
	var docs job.Documents
	docs, err := job.NewSQLiteDocuments(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteDocuments: %v", err)
	}
	if wrap != nil {
		docs = wrap(docs)
	}
	store := job.NewStore(docs)
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	n := &recordingNotifier{}
	return &fixture{q: New(cfg, store, blobs, eng, n), store: store, blobs: blobs, notifier: n}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		f.q.Wait()
	})
}

func (f *fixture) addResource(t *testing.T, name string) Request {
	t.Helper()
	ctx := context.Background()
	st, err := f.blobs.Stage(ctx, strings.NewReader("RIFF audio"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := f.blobs.Commit(ctx, st, name); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	id := job.IDFor(name)
	if _, err := f.store.CreateResource(ctx, id, job.Resource{ID: name, OriginalName: "orig-" + name, Size: st.Size}); err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	return Request{JobID: id, Resource: name}
}

func (f *fixture) waitStatus(t *testing.T, id string, want job.Status) *job.StatusRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := f.store.Status(context.Background(), id)
		if err == nil && rec.Status == want {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return nil
}

// waitIdle waits until no task is queued or running.
func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	capacity := int64(f.q.cfg.QueueSize + f.q.cfg.Concurrency)
	deadline := time.Now().Add(5 * time.Second)
	for !f.q.slots.TryAcquire(capacity) {
		if time.Now().After(deadline) {
			t.Fatal("workers never went idle")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.q.slots.Release(capacity)
}

func (f *fixture) waitCalls(t *testing.T, eng *fakeEngine, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for eng.Calls() < n {
		if time.Now().After(deadline) {
			t.Fatalf("engine calls = %d, want %d", eng.Calls(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmit_CompletesAndCommitsArtifacts(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{result: transcribe.Result{Text: "  hello world ", Language: "en", LanguageProbability: 0.9, Duration: 12.5, Segments: 3}}
	f := newFixture(t, testConfig(), eng)
	f.start(t)
	req := f.addResource(t, "a.wav")

	out, err := f.q.Submit(ctx, req)
	if err != nil || out != job.Started {
		t.Fatalf("Submit = %v, %v; want Started", out, err)
	}
	rec := f.waitStatus(t, "a", job.StatusCompleted)
	if rec.CompletedAt == nil || rec.StartedAt == nil {
		t.Errorf("status record missing timestamps: %+v", rec)
	}

	text, err := f.store.Transcript(ctx, "a")
	if err != nil || text != "hello world" {
		t.Errorf("Transcript = %q, %v; want %q", text, err, "hello world")
	}
	meta, err := f.store.Metadata(ctx, "a")
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.OriginalFilename != "orig-a.wav" || meta.Language != "en" || meta.SegmentsCount != 3 || meta.TranscriptionFile != "a.txt" {
		t.Errorf("metadata = %+v", meta)
	}

	if _, err := f.blobs.Stat(ctx, "a.wav"); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("blob still present after completion: %v", err)
	}
	if _, err := f.store.Resource(ctx, "a"); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("resource record still present after completion: %v", err)
	}

	seen := f.notifier.All()
	if len(seen) != 1 || seen[0].Status != job.StatusCompleted || seen[0].JobID != "a" {
		t.Errorf("notifier saw %+v, want one completed event for a", seen)
	}
}

func TestSubmit_ResultIsClamped(t *testing.T) {
	eng := &fakeEngine{result: transcribe.Result{Text: "x", LanguageProbability: 1.7, Duration: -3}}
	f := newFixture(t, testConfig(), eng)
	f.start(t)
	req := f.addResource(t, "a.wav")

	if _, err := f.q.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.waitStatus(t, "a", job.StatusCompleted)
	meta, err := f.store.Metadata(context.Background(), "a")
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.LanguageProbability != 1 || meta.Duration != 0 {
		t.Errorf("probability = %v, duration = %v; want 1 and 0", meta.LanguageProbability, meta.Duration)
	}
}

func TestSubmit_Failures(t *testing.T) {
	tests := []struct {
		name      string
		engine    *fakeEngine
		dropBlob  bool
		wantError string
	}{
		{"engine error", &fakeEngine{err: errors.New("model crashed")}, false, "model crashed"},
		{"empty transcript", &fakeEngine{result: transcribe.Result{Text: "   "}}, false, "empty transcript"},
		{"missing blob", &fakeEngine{result: transcribe.Result{Text: "x"}}, true, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, testConfig(), tt.engine)
			f.start(t)
			req := f.addResource(t, "a.wav")
			if tt.dropBlob {
				f.blobs.Delete(ctx, "a.wav")
			}

			if _, err := f.q.Submit(ctx, req); err != nil {
				t.Fatalf("Submit: %v", err)
			}
			rec := f.waitStatus(t, "a", job.StatusError)
			if !strings.Contains(rec.Error, tt.wantError) {
				t.Errorf("error = %q, want it to contain %q", rec.Error, tt.wantError)
			}
			if _, err := f.store.Transcript(ctx, "a"); !errors.Is(err, job.ErrNotFound) {
				t.Errorf("transcript written for failed job: %v", err)
			}
			if _, err := f.store.Resource(ctx, "a"); err != nil {
				t.Errorf("resource record must be kept for retry: %v", err)
			}
		})
	}
}

func TestSubmit_DuplicateRunsEngineOnce(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{release: make(chan struct{}), result: transcribe.Result{Text: "once"}}
	f := newFixture(t, testConfig(), eng)
	f.start(t)
	req := f.addResource(t, "a.wav")

	var wg sync.WaitGroup
	outcomes := make([]job.StartOutcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.q.Submit(ctx, req)
			if err != nil {
				t.Errorf("Submit: %v", err)
			}
			outcomes[i] = out
		}()
	}
	wg.Wait()

	started := 0
	for _, o := range outcomes {
		if o == job.Started {
			started++
		}
	}
	if started != 1 {
		t.Fatalf("started = %d, want 1 (outcomes %v)", started, outcomes)
	}

	close(eng.release)
	f.waitStatus(t, "a", job.StatusCompleted)
	if calls := eng.Calls(); calls != 1 {
		t.Errorf("engine calls = %d, want 1", calls)
	}
}

func TestSubmit_Busy(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.QueueSize = 0
	f := newFixture(t, cfg, &fakeEngine{result: transcribe.Result{Text: "x"}})
	// No workers: the single slot stays taken.
	a := f.addResource(t, "a.wav")
	b := f.addResource(t, "b.wav")

	if out, err := f.q.Submit(ctx, a); err != nil || out != job.Started {
		t.Fatalf("Submit a = %v, %v; want Started", out, err)
	}
	if _, err := f.q.Submit(ctx, b); !errors.Is(err, ErrBusy) {
		t.Fatalf("Submit b: err = %v, want ErrBusy", err)
	}
	if out, err := f.q.Submit(ctx, a); err != nil || out != job.AlreadyInFlight {
		t.Fatalf("resubmit a = %v, %v; want AlreadyInFlight", out, err)
	}
	if _, err := f.store.Status(ctx, "b"); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("rejected job must not get a status: %v", err)
	}
}

func TestSubmit_DeletedWhileRunningDropsResult(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{release: make(chan struct{}), result: transcribe.Result{Text: "late"}}
	f := newFixture(t, testConfig(), eng)
	f.start(t)
	req := f.addResource(t, "a.wav")

	if _, err := f.q.Submit(ctx, req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for eng.Calls() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if err := f.store.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	close(eng.release)

	// The slot is released once the worker is done with the task.
	deadline := time.Now().Add(5 * time.Second)
	for !f.q.slots.TryAcquire(int64(testConfig().QueueSize + 1)) {
		if time.Now().After(deadline) {
			t.Fatal("worker never released its slot")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if exists, _ := f.store.Exists(ctx, "a"); exists {
		t.Error("deleted job was resurrected by a late result")
	}
}

func TestSubscribe_ReceivesResult(t *testing.T) {
	eng := &fakeEngine{release: make(chan struct{}), result: transcribe.Result{Text: "hi"}}
	f := newFixture(t, testConfig(), eng)
	f.start(t)
	req := f.addResource(t, "a.wav")

	ch := f.q.Subscribe("a")
	if _, err := f.q.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	close(eng.release)

	var events []SSEEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-ch:
			if !open {
				if len(events) != 2 || events[0].Event != "status" || events[1].Event != "result" {
					t.Fatalf("events = %+v, want status then result", events)
				}
				if !strings.Contains(events[1].Data, `"status":"completed"`) {
					t.Errorf("result data = %s", events[1].Data)
				}
				return
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream never closed")
		}
	}
}

func TestRecovery_FailsOrphanedJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), &fakeEngine{})
	started := time.Now().Add(-time.Second)
	rec := job.StatusRecord{Resource: "orphan.wav", Attempt: "old", StartedAt: &started, CallbackURL: "https://example.com/hook"}
	if _, err := f.store.TryStart(ctx, "orphan", rec); err != nil {
		t.Fatalf("TryStart: %v", err)
	}

	if err := f.q.Recovery(ctx); err != nil {
		t.Fatalf("Recovery: %v", err)
	}
	got, err := f.store.Status(ctx, "orphan")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.Status != job.StatusError || got.Error != "interrupted by restart" {
		t.Errorf("status = %+v, want error interrupted by restart", got)
	}

	seen := f.notifier.All()
	if len(seen) != 1 {
		t.Fatalf("notifier saw %+v, want one event", seen)
	}
	if c := seen[0]; c.JobID != "orphan" || c.Status != job.StatusError || c.Resource != "orphan.wav" || c.CallbackURL != "https://example.com/hook" {
		t.Errorf("completion = %+v, want error for orphan with its resource and callback", c)
	}
}

func TestReap_FailsStaleJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), &fakeEngine{})
	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now()
	f.store.TryStart(ctx, "stuck", job.StatusRecord{Resource: "stuck.wav", Attempt: "x", StartedAt: &old, RunningSince: &old, CallbackURL: "https://example.com/hook"})
	f.store.TryStart(ctx, "running", job.StatusRecord{Attempt: "y", StartedAt: &old, RunningSince: &recent})
	f.store.TryStart(ctx, "queued", job.StatusRecord{Attempt: "z", StartedAt: &old})

	f.q.reap(ctx)

	if rec, _ := f.store.Status(ctx, "stuck"); rec.Status != job.StatusError {
		t.Errorf("stuck status = %q, want error", rec.Status)
	}
	for _, id := range []string{"running", "queued"} {
		if rec, _ := f.store.Status(ctx, id); rec.Status != job.StatusProcessing {
			t.Errorf("%s status = %q, want processing", id, rec.Status)
		}
	}
	seen := f.notifier.All()
	if len(seen) != 1 || seen[0].JobID != "stuck" {
		t.Fatalf("notifier saw %+v, want one event for stuck", seen)
	}
	if seen[0].Resource != "stuck.wav" || seen[0].CallbackURL != "https://example.com/hook" {
		t.Errorf("completion = %+v, want resource and callback from the status record", seen[0])
	}
}

func TestReap_QueuedJobOutlivesStaleAfter(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{release: make(chan struct{}), result: transcribe.Result{Text: "x"}}
	f := newFixture(t, testConfig(), eng)
	f.start(t)
	b := f.addResource(t, "b.wav")
	a := f.addResource(t, "a.wav")

	if _, err := f.q.Submit(ctx, b); err != nil {
		t.Fatalf("Submit b: %v", err)
	}
	f.waitCalls(t, eng, 1)
	if _, err := f.q.Submit(ctx, a); err != nil {
		t.Fatalf("Submit a: %v", err)
	}

	// Both jobs were submitted longer than StaleAfter ago.
	f.q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	f.q.reap(ctx)

	if rec, _ := f.store.Status(ctx, "a"); rec.Status != job.StatusProcessing {
		t.Fatalf("queued job a status = %q, want processing", rec.Status)
	}
	if rec, _ := f.store.Status(ctx, "b"); rec.Status != job.StatusError {
		t.Errorf("running job b status = %q, want error", rec.Status)
	}
	if out, err := f.q.Submit(ctx, a); err != nil || out != job.AlreadyInFlight {
		t.Fatalf("resubmit a = %v, %v; want AlreadyInFlight", out, err)
	}

	close(eng.release)
	f.waitStatus(t, "a", job.StatusCompleted)
	f.waitIdle(t)

	if calls, maxActive := eng.CallsFor("a.wav"); calls != 1 || maxActive != 1 {
		t.Errorf("a.wav engine calls = %d (max concurrent %d), want 1", calls, maxActive)
	}
	if rec, _ := f.store.Status(ctx, "b"); rec.Status != job.StatusError {
		t.Errorf("reaped job b status = %q, want error after its late result", rec.Status)
	}
	if _, err := f.store.Transcript(ctx, "b"); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("reaped job b got a transcript: %v", err)
	}
}

func TestWorker_SkipsTaskNoLongerOwned(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{release: make(chan struct{}), result: transcribe.Result{Text: "x"}}
	f := newFixture(t, testConfig(), eng)
	f.start(t)
	b := f.addResource(t, "b.wav")
	a := f.addResource(t, "a.wav")

	f.q.Submit(ctx, b)
	f.waitCalls(t, eng, 1)
	if _, err := f.q.Submit(ctx, a); err != nil {
		t.Fatalf("Submit a: %v", err)
	}
	if ok, err := f.store.Abandon(ctx, "a", "reset by operator"); err != nil || !ok {
		t.Fatalf("Abandon = %v, %v", ok, err)
	}
	if out, err := f.q.Submit(ctx, a); err != nil || out != job.Started {
		t.Fatalf("restart a = %v, %v; want Started", out, err)
	}

	close(eng.release)
	f.waitStatus(t, "a", job.StatusCompleted)
	f.waitIdle(t)

	if calls, _ := eng.CallsFor("a.wav"); calls != 1 {
		t.Errorf("a.wav engine calls = %d, want 1 (the abandoned task must not run)", calls)
	}
}

// deleteOnMetadata removes every document of a job right before its metadata is
// written, like a DELETE arriving while the worker commits.
type deleteOnMetadata struct {
	job.Documents
	once sync.Once
}

func (d *deleteOnMetadata) Put(ctx context.Context, key job.Key, body []byte) error {
	if key.Kind == job.KindMetadata {
		d.once.Do(func() {
			for _, kind := range job.Kinds {
				d.Documents.Remove(ctx, job.Key{JobID: key.JobID, Kind: kind})
			}
		})
	}
	return d.Documents.Put(ctx, key, body)
}

func TestComplete_DeletedDuringCommitLeavesNothing(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{result: transcribe.Result{Text: "late"}}
	f := newFixtureWith(t, testConfig(), eng, func(d job.Documents) job.Documents {
		return &deleteOnMetadata{Documents: d}
	})
	f.start(t)
	req := f.addResource(t, "a.wav")

	if _, err := f.q.Submit(ctx, req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.waitCalls(t, eng, 1)
	f.waitIdle(t)

	keys, err := f.store.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	for _, k := range keys {
		if k.JobID == "a" {
			t.Errorf("document %s left after delete", k)
		}
	}
	if seen := f.notifier.All(); len(seen) != 0 {
		t.Errorf("notifier saw %+v for a deleted job", seen)
	}
}
