package downloader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/astroair/vidtanium/internal/models"
)

// snapshotVersion is the on-disk snapshot format version.
const snapshotVersion = 1

// snapshotFile is the snapshot file name within a staging directory.
const snapshotFile = "snapshot.json"

// segmentRecord is the persisted per-segment state.
type segmentRecord struct {
	State   models.SegmentState `json:"state"`
	Size    int64               `json:"size"`
	Attempt int                 `json:"attempt"`
}

// taskSnapshot is the persisted per-task download state, written
// atomically on every segment state change so interrupted downloads can
// resume without refetching completed segments.
type taskSnapshot struct {
	Version      int                      `json:"version"`
	SegmentState map[string]segmentRecord `json:"segment_state"`
}

// writeSnapshot flushes segment states via write-temp-then-rename.
func writeSnapshot(stagingDir string, segments []models.Segment) error {
	snap := taskSnapshot{
		Version:      snapshotVersion,
		SegmentState: make(map[string]segmentRecord, len(segments)),
	}
	for _, seg := range segments {
		snap.SegmentState[strconv.Itoa(seg.Index)] = segmentRecord{
			State:   seg.State,
			Size:    seg.Size,
			Attempt: seg.Attempts,
		}
	}

	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	target := filepath.Join(stagingDir, snapshotFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// readSnapshot loads the persisted snapshot. A missing file returns an
// empty snapshot, not an error.
func readSnapshot(stagingDir string) (*taskSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(stagingDir, snapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &taskSnapshot{Version: snapshotVersion, SegmentState: map[string]segmentRecord{}}, nil
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var snap taskSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	if snap.SegmentState == nil {
		snap.SegmentState = map[string]segmentRecord{}
	}
	return &snap, nil
}

// restoreSegments reconciles segment states against the snapshot and the
// staging directory: a segment recorded Done whose staging file is at
// least the recorded size is reused without refetching. Everything else
// goes back to Pending.
func restoreSegments(stagingDir string, segments []models.Segment) int {
	snap, err := readSnapshot(stagingDir)
	if err != nil {
		// Corrupt snapshots are discarded; every segment refetches.
		snap = &taskSnapshot{SegmentState: map[string]segmentRecord{}}
	}

	restored := 0
	for i := range segments {
		seg := &segments[i]
		rec, ok := snap.SegmentState[strconv.Itoa(seg.Index)]
		if !ok || rec.State != models.SegmentDone {
			seg.State = models.SegmentPending
			continue
		}

		info, err := os.Stat(filepath.Join(stagingDir, seg.StagingName()))
		if err != nil || info.Size() < rec.Size {
			seg.State = models.SegmentPending
			continue
		}

		seg.State = models.SegmentDone
		seg.Size = rec.Size
		seg.Attempts = rec.Attempt
		restored++
	}
	return restored
}
