// Package models defines the shared data model for vidtanium: download
// plans, segments, task state, progress snapshots and scheduled triggers.
package models

import (
	"encoding/binary"
	"fmt"
	"time"
)

// EncryptionMethod identifies the segment encryption scheme of a plan.
type EncryptionMethod string

const (
	// EncryptionNone indicates unencrypted segments.
	EncryptionNone EncryptionMethod = "NONE"
	// EncryptionAES128 indicates AES-128-CBC encrypted segments.
	EncryptionAES128 EncryptionMethod = "AES-128"
)

// EncryptionSpec describes how the segments of a plan are encrypted.
// The key is fetched lazily, exactly once per distinct key URI per task,
// and cached on the owning task.
type EncryptionSpec struct {
	// Method is the encryption scheme. EncryptionNone means the remaining
	// fields are unset.
	Method EncryptionMethod `json:"method"`

	// KeyURI is the absolute URI of the 16-byte key file.
	KeyURI string `json:"key_uri,omitempty"`

	// IV is the explicit initialization vector from the playlist, exactly
	// 16 bytes, or nil when the per-segment IV is derived from the media
	// sequence index.
	IV []byte `json:"iv,omitempty"`
}

// Encrypted returns true if the spec requires decryption.
func (e EncryptionSpec) Encrypted() bool {
	return e.Method == EncryptionAES128
}

// SegmentIV returns the IV to use for the segment at the given media
// sequence index: the explicit playlist IV when present, otherwise the
// 16-byte big-endian encoding of the index.
func (e EncryptionSpec) SegmentIV(index int) []byte {
	if len(e.IV) == 16 {
		iv := make([]byte, 16)
		copy(iv, e.IV)
		return iv
	}
	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv[8:], uint64(index))
	return iv
}

// SegmentState is the lifecycle state of a single segment.
type SegmentState string

const (
	// SegmentPending means the segment has not been dispatched yet.
	SegmentPending SegmentState = "pending"
	// SegmentInFlight means a fetch attempt is currently running.
	SegmentInFlight SegmentState = "in_flight"
	// SegmentDone means the staging file exists and is complete.
	SegmentDone SegmentState = "done"
	// SegmentFailed means the retry budget was exhausted.
	SegmentFailed SegmentState = "failed"
)

// ByteRange is an optional sub-resource range for a segment fetch.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Segment is one media segment of a plan. Once Done, the staging file
// exists and matches the recorded size.
type Segment struct {
	// Index is the 0-based position within the plan.
	Index int `json:"index"`

	// Sequence is the media sequence index: the playlist's
	// EXT-X-MEDIA-SEQUENCE base plus the position. Derived IVs are
	// computed from it, not from Index.
	Sequence int `json:"sequence"`

	// URI is the absolute segment URI.
	URI string `json:"uri"`

	// ByteRange restricts the fetch to a byte range when non-nil.
	ByteRange *ByteRange `json:"byte_range,omitempty"`

	// Duration is the EXTINF duration in seconds.
	Duration float64 `json:"duration"`

	// State is the current lifecycle state.
	State SegmentState `json:"state"`

	// Attempts counts fetch attempts made so far.
	Attempts int `json:"attempts"`

	// Size is the staged size in bytes, known after a successful fetch.
	Size int64 `json:"size"`

	// FailReason records the terminal failure reason kind, if any.
	FailReason string `json:"fail_reason,omitempty"`
}

// StagingName returns the final staging file name for the segment.
func (s *Segment) StagingName() string {
	return fmt.Sprintf("seg_%06d.ts", s.Index)
}

// PartName returns the in-progress staging file name for the segment.
func (s *Segment) PartName() string {
	return fmt.Sprintf("seg_%06d.part", s.Index)
}

// Plan is the immutable description of one download: the ordered segment
// list, the encryption spec and the output destination. Plans are shared
// by value and must not be mutated after task admission; segment state
// lives on the task's own copy.
type Plan struct {
	// Name is the display name of the download.
	Name string `json:"name"`

	// Segments is the ordered segment list.
	Segments []Segment `json:"segments"`

	// Encryption describes segment encryption for the whole run.
	Encryption EncryptionSpec `json:"encryption"`

	// TotalDuration is the summed EXTINF duration in seconds (VOD only).
	TotalDuration float64 `json:"total_duration"`

	// Live is true when the playlist has no end marker.
	Live bool `json:"live"`

	// OutputPath is the absolute path of the final merged artifact.
	OutputPath string `json:"output_path"`
}

// SegmentCount returns the number of segments in the plan.
func (p *Plan) SegmentCount() int {
	return len(p.Segments)
}

// Progress is a computed point-in-time view of a running task. It is
// derived from segment states, never stored.
type Progress struct {
	CompletedSegments int `json:"completed_segments"`
	TotalSegments     int `json:"total_segments"`

	DownloadedBytes int64 `json:"downloaded_bytes"`

	// TotalBytesEstimate is 0 when unknown; consumers fall back to
	// percent-by-segments.
	TotalBytesEstimate int64 `json:"total_bytes_estimate,omitempty"`

	// SpeedBps is the EWMA download speed in bytes per second.
	SpeedBps float64 `json:"speed_bps"`

	// ETA is the estimated remaining time; zero when unknown.
	ETA time.Duration `json:"eta,omitempty"`
}

// Percent returns completion in [0,100], by bytes when an estimate is
// known and by segments otherwise.
func (p Progress) Percent() float64 {
	if p.TotalBytesEstimate > 0 {
		return 100 * float64(p.DownloadedBytes) / float64(p.TotalBytesEstimate)
	}
	if p.TotalSegments == 0 {
		return 100
	}
	return 100 * float64(p.CompletedSegments) / float64(p.TotalSegments)
}
