package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aoyama86/segpull/internal/storage"
	"github.com/aoyama86/segpull/pkg/config"
	"github.com/aoyama86/segpull/pkg/errors"
	"github.com/aoyama86/segpull/pkg/events"
	"github.com/aoyama86/segpull/pkg/store"
	"github.com/aoyama86/segpull/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DownloadDir = t.TempDir()
	cfg.Storage.MinFreeSpace = 1
	cfg.Storage.ProgressFlushInterval = 20 * time.Millisecond
	cfg.Storage.HealthCheckInterval = 100 * time.Millisecond
	cfg.Concurrency.MaxConcurrentDownloads = 2
	cfg.Concurrency.MaxSegmentsPerTask = 4
	cfg.Concurrency.MinSegmentSize = 4 * 1024
	cfg.RetryPolicy.MaxRetries = 1
	cfg.RetryPolicy.BaseDelay = 10 * time.Millisecond
	cfg.RetryPolicy.MaxDelay = 50 * time.Millisecond
	cfg.RetryPolicy.Jitter = false
	cfg.Timeouts.ProbeTimeout = 2 * time.Second
	cfg.ChunkSize = 1024
	return cfg
}

func testPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// fileServer serves payload with HEAD and single-range GET support.
// writeDelay throttles each 1KiB write so tests can interrupt mid-transfer.
func fileServer(payload []byte, writeDelay time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", `"v1"`)

		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			return
		}

		start, end := int64(0), int64(len(payload))-1
		if rng := r.Header.Get("Range"); rng != "" {
			spec := strings.TrimPrefix(rng, "bytes=")
			if strings.HasSuffix(spec, "-") {
				fmt.Sscanf(spec, "%d-", &start)
			} else {
				fmt.Sscanf(spec, "%d-%d", &start, &end)
			}
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(payload)))
			w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
			w.WriteHeader(http.StatusPartialContent)
		} else {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
		}
		body := payload[start : end+1]
		for len(body) > 0 {
			n := 1024
			if n > len(body) {
				n = len(body)
			}
			if _, err := w.Write(body[:n]); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			body = body[n:]
			if writeDelay > 0 {
				time.Sleep(writeDelay)
			}
		}
	}))
}

func newTestEngine(t *testing.T) (*Engine, *store.Repo, *events.Broadcaster, *config.Config) {
	t.Helper()
	cfg := testConfig(t)
	repo := store.NewMemoryRepo()
	broadcaster := events.NewBroadcaster()
	eng := New(cfg, repo, broadcaster)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Close(ctx)
	})
	return eng, repo, broadcaster, cfg
}

func waitForStatus(t *testing.T, repo types.Repository, taskID string, want types.TaskStatus, timeout time.Duration) *types.DownloadTask {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := repo.GetTask(context.Background(), taskID)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := repo.GetTask(context.Background(), taskID)
	t.Fatalf("task %s never reached %q, last status %q (%s)", taskID, want, task.Status, task.ErrorMessage)
	return nil
}

func waitForProgress(t *testing.T, repo types.Repository, taskID string, minBytes int64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := repo.GetTask(context.Background(), taskID)
		if err == nil && task.DownloadedSize >= minBytes {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never downloaded %d bytes", taskID, minBytes)
}

func TestDownloadCompletesWithChecksum(t *testing.T) {
	payload := testPayload(48 * 1024)
	srv := fileServer(payload, 0)
	defer srv.Close()

	eng, repo, _, cfg := newTestEngine(t)
	sum := sha256.Sum256(payload)

	id, err := eng.Download(context.Background(), &types.DownloadRequest{
		URL:               srv.URL + "/file.bin",
		Checksum:          hex.EncodeToString(sum[:]),
		ChecksumAlgorithm: types.ChecksumSHA256,
	})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	task := waitForStatus(t, repo, id, types.TaskCompleted, 10*time.Second)
	if task.TotalSize != int64(len(payload)) || task.DownloadedSize != int64(len(payload)) {
		t.Errorf("sizes = %d/%d, want %d/%d", task.DownloadedSize, task.TotalSize, len(payload), len(payload))
	}

	got, err := os.ReadFile(task.Destination)
	if err != nil {
		t.Fatalf("reading completed file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("completed file content differs from source")
	}
	if _, err := os.Stat(storage.PartPath(task.Destination)); !os.IsNotExist(err) {
		t.Error("part file survived completion")
	}
	if task.Destination == "" || !strings.HasPrefix(task.Destination, cfg.Storage.DownloadDir) {
		t.Errorf("destination %q not under download dir", task.Destination)
	}

	snap, err := eng.Progress(context.Background(), id)
	if err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if snap.Percent != 100 {
		t.Errorf("percent = %v, want 100", snap.Percent)
	}
}

func TestPauseThenResumeKeepsBytes(t *testing.T) {
	payload := testPayload(128 * 1024)
	srv := fileServer(payload, 5*time.Millisecond)
	defer srv.Close()

	eng, repo, _, _ := newTestEngine(t)

	id, err := eng.Download(context.Background(), &types.DownloadRequest{URL: srv.URL + "/big.bin"})
	if err != nil {
		t.Fatal(err)
	}

	waitForProgress(t, repo, id, 8*1024, 10*time.Second)
	if err := eng.Pause(context.Background(), id); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	task := waitForStatus(t, repo, id, types.TaskPaused, 5*time.Second)
	if task.DownloadedSize == 0 || task.DownloadedSize >= task.TotalSize {
		t.Fatalf("paused with %d of %d bytes, want partial progress", task.DownloadedSize, task.TotalSize)
	}
	if _, err := os.Stat(storage.PartPath(task.Destination)); err != nil {
		t.Fatalf("part file missing while paused: %v", err)
	}

	segments, err := repo.GetSegments(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	for _, seg := range segments {
		if seg.Status == types.SegmentDownloading {
			t.Errorf("segment %d persisted as downloading, want pending or completed", seg.Index)
		}
	}

	if err := eng.Resume(context.Background(), id); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	task = waitForStatus(t, repo, id, types.TaskCompleted, 30*time.Second)

	got, err := os.ReadFile(task.Destination)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("resumed file content differs from source")
	}
}

func TestCancelRemovesPartFile(t *testing.T) {
	payload := testPayload(128 * 1024)
	srv := fileServer(payload, 5*time.Millisecond)
	defer srv.Close()

	eng, repo, _, _ := newTestEngine(t)

	id, err := eng.Download(context.Background(), &types.DownloadRequest{URL: srv.URL + "/big.bin"})
	if err != nil {
		t.Fatal(err)
	}
	waitForProgress(t, repo, id, 4*1024, 10*time.Second)

	if err := eng.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	task := waitForStatus(t, repo, id, types.TaskCancelled, 5*time.Second)
	if _, err := os.Stat(storage.PartPath(task.Destination)); !os.IsNotExist(err) {
		t.Error("part file survived cancellation")
	}
	if _, err := os.Stat(task.Destination); !os.IsNotExist(err) {
		t.Error("destination file exists for a cancelled task")
	}
}

func TestChecksumMismatchFailsTask(t *testing.T) {
	payload := testPayload(16 * 1024)
	srv := fileServer(payload, 0)
	defer srv.Close()

	eng, repo, _, _ := newTestEngine(t)

	id, err := eng.Download(context.Background(), &types.DownloadRequest{
		URL:               srv.URL + "/file.bin",
		Checksum:          strings.Repeat("00", 32),
		ChecksumAlgorithm: types.ChecksumSHA256,
	})
	if err != nil {
		t.Fatal(err)
	}

	task := waitForStatus(t, repo, id, types.TaskFailed, 10*time.Second)
	if task.ErrorMessage == "" {
		t.Error("failed task has no error message")
	}
	if _, err := os.Stat(task.Destination); !os.IsNotExist(err) {
		t.Error("destination published despite checksum mismatch")
	}
	if _, err := os.Stat(storage.PartPath(task.Destination)); !os.IsNotExist(err) {
		t.Error("part file survived checksum failure")
	}
}

func TestTerminalEventDelivered(t *testing.T) {
	payload := testPayload(8 * 1024)
	srv := fileServer(payload, 0)
	defer srv.Close()

	eng, _, broadcaster, _ := newTestEngine(t)

	id, err := eng.Download(context.Background(), &types.DownloadRequest{URL: srv.URL + "/f"})
	if err != nil {
		t.Fatal(err)
	}

	sub := broadcaster.Subscribe(id)
	defer sub.Cancel()

	var last types.ProgressSnapshot
	timeout := time.After(10 * time.Second)
	for {
		select {
		case snap, ok := <-sub.C:
			if !ok {
				if last.Status != types.TaskCompleted {
					t.Fatalf("stream closed with last status %q, want completed", last.Status)
				}
				return
			}
			last = snap
		case <-timeout:
			t.Fatal("no terminal event before timeout")
		}
	}
}

func TestLateSubscriberGetsFinalByteCounts(t *testing.T) {
	payload := testPayload(8 * 1024)
	srv := fileServer(payload, 0)
	defer srv.Close()

	eng, repo, broadcaster, _ := newTestEngine(t)

	id, err := eng.Download(context.Background(), &types.DownloadRequest{URL: srv.URL + "/f"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, repo, id, types.TaskCompleted, 10*time.Second)

	// Subscribing after completion must replay a snapshot that carries the
	// transferred byte counts, not just a bare status.
	sub := broadcaster.Subscribe(id)
	defer sub.Cancel()

	select {
	case snap, ok := <-sub.C:
		if !ok {
			t.Fatal("stream closed without a retained snapshot")
		}
		if snap.Status != types.TaskCompleted {
			t.Errorf("retained status = %q, want completed", snap.Status)
		}
		if snap.DownloadedBytes != int64(len(payload)) || snap.TotalBytes != int64(len(payload)) {
			t.Errorf("retained bytes = %d/%d, want %d/%d",
				snap.DownloadedBytes, snap.TotalBytes, len(payload), len(payload))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot replayed to a late subscriber")
	}
}

func TestDownloadValidatesRequest(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Download(ctx, &types.DownloadRequest{URL: "ftp://x/f"}); err == nil {
		t.Error("non-http scheme accepted")
	}
	if _, err := eng.Download(ctx, &types.DownloadRequest{
		URL:     "http://example.com/f",
		Mirrors: []string{"not a url"},
	}); err == nil {
		t.Error("invalid mirror accepted")
	}
	if _, err := eng.Download(ctx, &types.DownloadRequest{
		URL:               "http://example.com/f",
		Checksum:          "abc",
		ChecksumAlgorithm: "crc32",
	}); err == nil {
		t.Error("unsupported checksum algorithm accepted")
	}
}

func TestLifecycleStateGuards(t *testing.T) {
	payload := testPayload(8 * 1024)
	srv := fileServer(payload, 0)
	defer srv.Close()

	eng, repo, _, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := eng.Download(ctx, &types.DownloadRequest{URL: srv.URL + "/f"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, repo, id, types.TaskCompleted, 10*time.Second)

	if err := eng.Resume(ctx, id); errors.GetCode(err) != errors.CodeInvalidState {
		t.Errorf("Resume(completed) error = %v, want invalid state", err)
	}
	if err := eng.Cancel(ctx, id); errors.GetCode(err) != errors.CodeInvalidState {
		t.Errorf("Cancel(completed) error = %v, want invalid state", err)
	}
	if err := eng.Pause(ctx, id); errors.GetCode(err) != errors.CodeInvalidState {
		t.Errorf("Pause(completed) error = %v, want invalid state", err)
	}
}

func TestSetTaskRatePersists(t *testing.T) {
	payload := testPayload(8 * 1024)
	srv := fileServer(payload, 0)
	defer srv.Close()

	eng, repo, _, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := eng.Download(ctx, &types.DownloadRequest{URL: srv.URL + "/f"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, repo, id, types.TaskCompleted, 10*time.Second)

	if err := eng.SetTaskRate(ctx, id, 512*1024); err != nil {
		t.Fatalf("SetTaskRate() error = %v", err)
	}
	task, _ := repo.GetTask(ctx, id)
	if task.MaxRate != 512*1024 {
		t.Errorf("MaxRate = %d, want %d", task.MaxRate, 512*1024)
	}
}

func TestDeleteRemovesRecords(t *testing.T) {
	payload := testPayload(8 * 1024)
	srv := fileServer(payload, 0)
	defer srv.Close()

	eng, repo, broadcaster, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := eng.Download(ctx, &types.DownloadRequest{URL: srv.URL + "/f"})
	if err != nil {
		t.Fatal(err)
	}
	task := waitForStatus(t, repo, id, types.TaskCompleted, 10*time.Second)

	if err := eng.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.GetTask(ctx, id); err == nil {
		t.Error("task record survived deletion")
	}
	// The completed file itself stays on disk.
	if _, err := os.Stat(task.Destination); err != nil {
		t.Errorf("completed file removed by Delete: %v", err)
	}

	// The retained terminal snapshot goes with the records.
	sub := broadcaster.Subscribe(id)
	defer sub.Cancel()
	select {
	case snap, ok := <-sub.C:
		if ok {
			t.Errorf("deleted task still replays snapshot %+v", snap)
		} else {
			t.Error("deleted task still closes new subscriptions as finished")
		}
	default:
	}
}

func TestMirrorFailoverCompletesDownload(t *testing.T) {
	payload := testPayload(32 * 1024)

	good := fileServer(payload, 0)
	defer good.Close()
	// The mirror answers the health probe but serves 503 for every transfer,
	// so segments start there and must fail over to the primary.
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	eng, repo, _, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := eng.Download(ctx, &types.DownloadRequest{
		URL:     good.URL + "/f",
		Mirrors: []string{bad.URL + "/f"},
	})
	if err != nil {
		t.Fatal(err)
	}

	task := waitForStatus(t, repo, id, types.TaskCompleted, 30*time.Second)
	got, err := os.ReadFile(task.Destination)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("failover download content differs from source")
	}

	fevents, err := repo.ListFailoverEvents(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(fevents) == 0 {
		t.Error("no failover events recorded")
	}
	if task.RetryCount == 0 {
		t.Errorf("task retry count = 0 with %d failover events", len(fevents))
	}
}

func TestHealthTickerRehabilitatesMirrorDuringDownload(t *testing.T) {
	payload := testPayload(256 * 1024)
	srv := fileServer(payload, 10*time.Millisecond)
	defer srv.Close()

	var mirrorUp atomic.Bool
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !mirrorUp.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
	}))
	defer mirror.Close()

	cfg := testConfig(t)
	cfg.Storage.HealthCheckInterval = 25 * time.Millisecond
	repo := store.NewMemoryRepo()
	eng := New(cfg, repo, events.NewBroadcaster())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Close(ctx)
	})
	ctx := context.Background()

	id, err := eng.Download(ctx, &types.DownloadRequest{
		URL:     srv.URL + "/big.bin",
		Mirrors: []string{mirror.URL + "/big.bin"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// The mirror fails its plan-time probe, so every segment starts on the
	// primary. Bring it back while the transfer is still running.
	waitForProgress(t, repo, id, 4*1024, 10*time.Second)
	mirrorUp.Store(true)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		mirrors, err := repo.GetMirrors(ctx, id)
		if err == nil && len(mirrors) == 1 && mirrors[0].IsHealthy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("recovered mirror was never promoted while the task ran")
}
