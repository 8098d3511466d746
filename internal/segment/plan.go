// Package segment plans byte-range segments and transfers them.
package segment

import (
	"github.com/aoyama86/segpull/pkg/types"
)

// openEnd marks a segment whose end offset is unknown because the source
// did not announce a size. The downloader streams such a segment to EOF.
const openEnd = int64(-1)

// Plan splits a file into contiguous, non-overlapping, inclusive byte
// ranges. The segment count is min(maxSegments, size/minSegmentSize) but at
// least 1; sources without range support or with unknown size get a single
// segment. The last segment absorbs the division remainder so every byte is
// covered exactly once.
func Plan(taskID string, size int64, supportsRanges bool, maxSegments int, minSegmentSize int64) []*types.DownloadSegment {
	if maxSegments < 1 {
		maxSegments = 1
	}
	if minSegmentSize < 1 {
		minSegmentSize = 1
	}

	if size <= 0 {
		return []*types.DownloadSegment{{
			ID:        types.NewID(),
			TaskID:    taskID,
			Index:     0,
			StartByte: 0,
			EndByte:   openEnd,
			Status:    types.SegmentPending,
		}}
	}

	count := 1
	if supportsRanges {
		bySize := size / minSegmentSize
		switch {
		case bySize >= int64(maxSegments):
			count = maxSegments
		case bySize > 1:
			count = int(bySize)
		}
	}

	segSize := size / int64(count)
	segments := make([]*types.DownloadSegment, 0, count)
	for i := 0; i < count; i++ {
		start := int64(i) * segSize
		end := start + segSize - 1
		if i == count-1 {
			end = size - 1
		}
		segments = append(segments, &types.DownloadSegment{
			ID:        types.NewID(),
			TaskID:    taskID,
			Index:     i,
			StartByte: start,
			EndByte:   end,
			Status:    types.SegmentPending,
		})
	}
	return segments
}
