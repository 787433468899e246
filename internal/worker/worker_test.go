package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/slimsplit/internal/jobs"
	"github.com/yourusername/slimsplit/internal/pdf"
)

type progressEvent struct {
	percent int
	stage   string
}

// fakeJobStore はクレームの条件付き更新をミューテックスで模したスタブです。
type fakeJobStore struct {
	mu        sync.Mutex
	jobs      []*jobs.Job
	progress  map[string][]progressEvent
	doneKeys  map[string]string
	failedMsg map[string]string
	claims    map[string]string
}

func newFakeJobStore(list ...*jobs.Job) *fakeJobStore {
	return &fakeJobStore{
		jobs:      list,
		progress:  make(map[string][]progressEvent),
		doneKeys:  make(map[string]string),
		failedMsg: make(map[string]string),
		claims:    make(map[string]string),
	}
}

func (f *fakeJobStore) find(id string) *jobs.Job {
	for _, j := range f.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (f *fakeJobStore) PollUploaded(_ context.Context, limit int) ([]*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*jobs.Job
	for _, j := range f.jobs {
		if j.Status == jobs.StatusUploaded {
			copied := *j
			out = append(out, &copied)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeJobStore) Claim(_ context.Context, jobID, owner string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.find(jobID)
	if j == nil || j.Status != jobs.StatusUploaded {
		return false, nil
	}
	now := time.Now()
	j.Status = jobs.StatusProcessing
	j.ClaimedBy = owner
	j.ClaimedAt = &now
	f.claims[jobID] = owner
	return true, nil
}

func (f *fakeJobStore) UpdateProgress(_ context.Context, jobID string, percent int, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[jobID] = append(f.progress[jobID], progressEvent{percent: percent, stage: stage})
	return nil
}

func (f *fakeJobStore) MarkDone(_ context.Context, jobID, owner, outputKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.find(jobID)
	if j == nil || j.Status != jobs.StatusProcessing || j.ClaimedBy != owner {
		return false, nil
	}
	j.Status = jobs.StatusDone
	f.doneKeys[jobID] = outputKey
	return true, nil
}

func (f *fakeJobStore) MarkFailed(_ context.Context, jobID, owner, message string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.find(jobID)
	if j == nil || j.Status != jobs.StatusProcessing || j.ClaimedBy != owner {
		return false, nil
	}
	j.Status = jobs.StatusFailed
	f.failedMsg[jobID] = message
	return true, nil
}

func (f *fakeJobStore) RequeueStale(_ context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, j := range f.jobs {
		if j.Status == jobs.StatusProcessing && j.ClaimedAt != nil && j.ClaimedAt.Before(olderThan) {
			j.Status = jobs.StatusUploaded
			j.ClaimedBy = ""
			j.ClaimedAt = nil
			j.Progress = 0
			count++
		}
	}
	return count, nil
}

// fakeObjectStore はメモリ上のオブジェクト転送スタブです。
type fakeObjectStore struct {
	mu          sync.Mutex
	inputData   []byte
	downloads   int
	uploads     int
	uploadedKey string
	uploaded    []byte
}

func (f *fakeObjectStore) DownloadInput(_ context.Context, _ string, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	return os.WriteFile(localPath, f.inputData, 0o640)
}

func (f *fakeObjectStore) UploadOutput(_ context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.uploads++
	f.uploadedKey = key
	f.uploaded = data
	return nil
}

// copyCompressor は圧縮せずに内容をそのままコピーするスタブです。
type copyCompressor struct{}

func (copyCompressor) Compress(_ context.Context, inputPath, outputPath string, _ pdf.Preset) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0o640)
}

// failingCompressor は常に固定のエラーを返します。
type failingCompressor struct {
	message string
}

func (c failingCompressor) Compress(context.Context, string, string, pdf.Preset) error {
	return fmt.Errorf("%s", c.message)
}

// fixedExtractor はページごとのサイズを固定したPageExtractorスタブです。
type fixedExtractor struct {
	pageSizes []int64
}

func (e fixedExtractor) PageCount(string) (int, error) {
	return len(e.pageSizes), nil
}

func (e fixedExtractor) ExtractRange(_ context.Context, _ string, outputPath string, from, to int) error {
	var total int64
	for p := from; p <= to; p++ {
		total += e.pageSizes[p-1]
	}
	return os.WriteFile(outputPath, bytes.Repeat([]byte{'p'}, int(total)), 0o640)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pdfPayload(size int) []byte {
	payload := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{'x'}, size)...)
	return payload
}

func newTestWorker(t *testing.T, store JobStore, objects ObjectStore, extractor pdf.PageExtractor, comp pdf.Compressor, owner string) *Worker {
	t.Helper()
	return New(
		store,
		objects,
		nil,
		pdf.NewCompressionStage(comp),
		pdf.NewSplitter(extractor),
		pdf.ZipArchiver{},
		Options{
			Owner:        owner,
			PollInterval: time.Millisecond,
			BatchLimit:   5,
			WorkDir:      t.TempDir(),
		},
		discardLogger(),
	)
}

func TestPipelineSuccess(t *testing.T) {
	inputData := pdfPayload(1_600_000)
	job := &jobs.Job{
		ID:        "job-1",
		UserID:    "user-1",
		Status:    jobs.StatusUploaded,
		InputPath: "job-1/input.pdf",
		Quality:   jobs.QualityGood,
		SplitMB:   1,
	}
	store := newFakeJobStore(job)
	objects := &fakeObjectStore{inputData: inputData}
	extractor := fixedExtractor{pageSizes: []int64{400_000, 400_000, 400_000, 400_000}}

	w := newTestWorker(t, store, objects, extractor, copyCompressor{}, "worker-a")
	if processed := w.runCycle(context.Background()); processed != 1 {
		t.Fatalf("expected 1 processed job, got %d", processed)
	}

	if job.Status != jobs.StatusDone {
		t.Fatalf("unexpected final status: %s", job.Status)
	}
	if got := store.doneKeys["job-1"]; got != "user-1/job-1/out.zip" {
		t.Fatalf("unexpected output key: %s", got)
	}
	if _, failed := store.failedMsg["job-1"]; failed {
		t.Fatalf("job must not be failed: %s", store.failedMsg["job-1"])
	}

	// チェックポイントが単調増加していること
	events := store.progress["job-1"]
	if len(events) == 0 {
		t.Fatal("expected progress checkpoints")
	}
	last := -1
	for _, ev := range events {
		if ev.percent < last {
			t.Fatalf("progress went backwards: %v", events)
		}
		last = ev.percent
	}
	if events[0].stage != "download" || events[len(events)-1].stage != "upload" {
		t.Fatalf("unexpected checkpoint stages: %v", events)
	}

	// アップロードされた成果物が2パートのzipであること
	reader, err := zip.NewReader(bytes.NewReader(objects.uploaded), int64(len(objects.uploaded)))
	if err != nil {
		t.Fatalf("uploaded artifact is not a zip: %v", err)
	}
	if len(reader.File) != 2 {
		t.Fatalf("expected 2 parts in archive, got %d", len(reader.File))
	}
	if reader.File[0].Name != "part-001.pdf" || reader.File[1].Name != "part-002.pdf" {
		t.Fatalf("unexpected part names: %s, %s", reader.File[0].Name, reader.File[1].Name)
	}
}

func TestMissingInputFailsBeforeAnyTransfer(t *testing.T) {
	job := &jobs.Job{
		ID:      "job-2",
		UserID:  "user-1",
		Status:  jobs.StatusUploaded,
		Quality: jobs.QualityGood,
	}
	store := newFakeJobStore(job)
	objects := &fakeObjectStore{}

	w := newTestWorker(t, store, objects, fixedExtractor{}, copyCompressor{}, "worker-a")
	w.runCycle(context.Background())

	if job.Status != jobs.StatusFailed {
		t.Fatalf("unexpected final status: %s", job.Status)
	}
	if msg := store.failedMsg["job-2"]; !strings.Contains(msg, "missing input") {
		t.Fatalf("diagnostic should mention the missing input: %q", msg)
	}
	if objects.downloads != 0 || objects.uploads != 0 {
		t.Fatalf("no transfer must happen: downloads=%d uploads=%d", objects.downloads, objects.uploads)
	}
}

func TestNonPdfInputFails(t *testing.T) {
	job := &jobs.Job{
		ID:        "job-3",
		UserID:    "user-1",
		Status:    jobs.StatusUploaded,
		InputPath: "job-3/input.pdf",
		Quality:   jobs.QualityGood,
	}
	store := newFakeJobStore(job)
	objects := &fakeObjectStore{inputData: []byte("PK\x03\x04 this is a zip, not a pdf")}

	w := newTestWorker(t, store, objects, fixedExtractor{}, copyCompressor{}, "worker-a")
	w.runCycle(context.Background())

	if job.Status != jobs.StatusFailed {
		t.Fatalf("unexpected final status: %s", job.Status)
	}
	if msg := store.failedMsg["job-3"]; !strings.Contains(msg, "unsupported input") {
		t.Fatalf("diagnostic should mention the unsupported input: %q", msg)
	}
	if objects.uploads != 0 {
		t.Fatal("nothing must be uploaded for a rejected input")
	}
}

func TestFailureTruncatesDiagnostic(t *testing.T) {
	job := &jobs.Job{
		ID:        "job-4",
		UserID:    "user-1",
		Status:    jobs.StatusUploaded,
		InputPath: "job-4/input.pdf",
		Quality:   jobs.QualityGood,
	}
	store := newFakeJobStore(job)
	objects := &fakeObjectStore{inputData: pdfPayload(1024)}
	comp := failingCompressor{message: strings.Repeat("ghostscript stderr noise ", 200)}

	w := New(
		store,
		objects,
		nil,
		pdf.NewCompressionStage(comp),
		pdf.NewSplitter(fixedExtractor{}),
		pdf.ZipArchiver{},
		Options{Owner: "worker-a", WorkDir: t.TempDir(), ErrorTextMax: 120},
		discardLogger(),
	)
	w.runCycle(context.Background())

	msg := store.failedMsg["job-4"]
	if msg == "" {
		t.Fatal("expected a failure diagnostic")
	}
	if runes := []rune(msg); len(runes) > 120 {
		t.Fatalf("diagnostic not truncated: %d runes", len(runes))
	}
}

func TestStaleClaimIsRequeuedAndReclaimed(t *testing.T) {
	staleClaim := time.Now().Add(-time.Hour)
	job := &jobs.Job{
		ID:        "job-6",
		UserID:    "user-1",
		Status:    jobs.StatusProcessing,
		InputPath: "job-6/input.pdf",
		Quality:   jobs.QualityOriginal,
		ClaimedBy: "worker-dead",
		ClaimedAt: &staleClaim,
	}
	store := newFakeJobStore(job)
	objects := &fakeObjectStore{inputData: pdfPayload(100_000)}

	w := New(
		store,
		objects,
		nil,
		pdf.NewCompressionStage(copyCompressor{}),
		pdf.NewSplitter(fixedExtractor{pageSizes: []int64{100_000}}),
		pdf.ZipArchiver{},
		Options{Owner: "worker-alive", WorkDir: t.TempDir(), ClaimLease: 15 * time.Minute},
		discardLogger(),
	)
	if processed := w.runCycle(context.Background()); processed != 1 {
		t.Fatalf("expected the requeued job to be processed, got %d", processed)
	}

	if job.Status != jobs.StatusDone {
		t.Fatalf("unexpected final status: %s", job.Status)
	}
	if job.ClaimedBy != "worker-alive" {
		t.Fatalf("job must be reclaimed by the live worker, got %q", job.ClaimedBy)
	}
	if got := store.doneKeys["job-6"]; got != "user-1/job-6/out.zip" {
		t.Fatalf("unexpected output key: %s", got)
	}
}

func TestTerminalWritesDiscardedAfterTakeover(t *testing.T) {
	// リース切れで再キューされ、別のワーカーがクレームし直した後のジョブ。
	// 元の所有者の終端書き込みは成功・失敗ともに0行で破棄される。
	newTakenOverJob := func() *jobs.Job {
		claimedAt := time.Now()
		return &jobs.Job{
			ID:        "job-7",
			UserID:    "user-1",
			Status:    jobs.StatusProcessing,
			InputPath: "job-7/input.pdf",
			Quality:   jobs.QualityOriginal,
			ClaimedBy: "worker-b",
			ClaimedAt: &claimedAt,
		}
	}

	t.Run("completion", func(t *testing.T) {
		job := newTakenOverJob()
		store := newFakeJobStore(job)
		objects := &fakeObjectStore{inputData: pdfPayload(100_000)}
		w := newTestWorker(t, store, objects, fixedExtractor{pageSizes: []int64{100_000}}, copyCompressor{}, "worker-a")

		w.process(context.Background(), job)

		if job.Status != jobs.StatusProcessing || job.ClaimedBy != "worker-b" {
			t.Fatalf("takeover must survive the stale completion: status=%s claimed_by=%s", job.Status, job.ClaimedBy)
		}
		if len(store.doneKeys) != 0 {
			t.Fatalf("stale completion must not be recorded: %v", store.doneKeys)
		}
	})

	t.Run("failure", func(t *testing.T) {
		job := newTakenOverJob()
		job.Quality = jobs.QualityGood
		store := newFakeJobStore(job)
		objects := &fakeObjectStore{inputData: pdfPayload(100_000)}
		w := newTestWorker(t, store, objects, fixedExtractor{}, failingCompressor{message: "gs crashed"}, "worker-a")

		w.process(context.Background(), job)

		if job.Status != jobs.StatusProcessing || job.ClaimedBy != "worker-b" {
			t.Fatalf("takeover must survive the stale failure: status=%s claimed_by=%s", job.Status, job.ClaimedBy)
		}
		if len(store.failedMsg) != 0 {
			t.Fatalf("stale failure must not be recorded: %v", store.failedMsg)
		}
	})
}

func TestConcurrentWorkersClaimExactlyOnce(t *testing.T) {
	inputData := pdfPayload(100_000)
	job := &jobs.Job{
		ID:        "job-5",
		UserID:    "user-1",
		Status:    jobs.StatusUploaded,
		InputPath: "job-5/input.pdf",
		Quality:   jobs.QualityOriginal,
	}
	store := newFakeJobStore(job)
	objects := &fakeObjectStore{inputData: inputData}
	extractor := fixedExtractor{pageSizes: []int64{100_000}}

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		w := newTestWorker(t, store, objects, extractor, copyCompressor{}, fmt.Sprintf("worker-%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runCycle(context.Background())
		}()
	}
	wg.Wait()

	if len(store.claims) != 1 {
		t.Fatalf("expected exactly one claim, got %v", store.claims)
	}
	if len(store.doneKeys) != 1 {
		t.Fatalf("expected exactly one completion, got %v", store.doneKeys)
	}
	if job.Status != jobs.StatusDone {
		t.Fatalf("unexpected final status: %s", job.Status)
	}
	if objects.downloads != 1 || objects.uploads != 1 {
		t.Fatalf("job must be transferred exactly once: downloads=%d uploads=%d", objects.downloads, objects.uploads)
	}
}
