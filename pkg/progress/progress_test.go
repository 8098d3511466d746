package progress

import (
	"testing"
	"time"

	"github.com/aoyama86/segpull/pkg/types"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{5 * 1024 * 1024 * 1024, "5.0 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.bytes); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-1, "unknown"},
		{30 * time.Second, "30s"},
		{90 * time.Second, "1m30s"},
		{2 * time.Hour, "2h0m"},
		{3*time.Hour + 25*time.Minute, "3h25m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestTrackerSnapshotPercent(t *testing.T) {
	tr := NewTracker("t1", 1000)
	tr.Add(250)

	snap := tr.Snapshot(types.TaskDownloading, nil)
	if snap.TaskID != "t1" {
		t.Errorf("TaskID = %q", snap.TaskID)
	}
	if snap.DownloadedBytes != 250 || snap.Percent != 25 {
		t.Errorf("progress = %d bytes %.1f%%, want 250 bytes 25%%", snap.DownloadedBytes, snap.Percent)
	}
	if snap.ETA != -1 {
		t.Errorf("ETA = %v, want -1 with no speed sample yet", snap.ETA)
	}
}

func TestTrackerUnknownTotal(t *testing.T) {
	tr := NewTracker("t1", 0)
	tr.Add(4096)

	snap := tr.Snapshot(types.TaskDownloading, nil)
	if snap.Percent != 0 {
		t.Errorf("Percent = %v with unknown total, want 0", snap.Percent)
	}

	tr.SetTotal(8192)
	snap = tr.Snapshot(types.TaskDownloading, nil)
	if snap.Percent != 50 {
		t.Errorf("Percent = %v after SetTotal, want 50", snap.Percent)
	}
}

func TestTrackerResumeOffset(t *testing.T) {
	tr := NewTracker("t1", 1000)
	tr.SetDownloaded(600)
	tr.Add(100)

	if got := tr.Downloaded(); got != 700 {
		t.Errorf("Downloaded() = %d, want 700", got)
	}
}

func TestSnapshotAttachesSegments(t *testing.T) {
	tr := NewTracker("t1", 200)
	segments := []*types.DownloadSegment{
		{Index: 0, StartByte: 0, EndByte: 99, DownloadedBytes: 100, Status: types.SegmentCompleted},
		{Index: 1, StartByte: 100, EndByte: 199, DownloadedBytes: 40, Status: types.SegmentDownloading},
	}

	snap := tr.Snapshot(types.TaskDownloading, segments)
	if len(snap.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(snap.Segments))
	}
	if snap.Segments[1].DownloadedBytes != 40 || snap.Segments[1].Status != types.SegmentDownloading {
		t.Errorf("segment view = %+v, want live values", snap.Segments[1])
	}
}

func TestUpdateThrottle(t *testing.T) {
	th := NewUpdateThrottle(50 * time.Millisecond)

	if !th.Allow() {
		t.Error("first Allow() = false")
	}
	if th.Allow() {
		t.Error("Allow() inside the interval = true")
	}
	time.Sleep(60 * time.Millisecond)
	if !th.Allow() {
		t.Error("Allow() after the interval = false")
	}
}
