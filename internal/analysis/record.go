package analysis

import "labassist/internal/detection"

// SegmentRecord is the normalized output of analyzing one video segment.
// Objects is nil when the segment could not be decoded or detection failed;
// Action is empty when the classifier did not run or failed.
type SegmentRecord struct {
	StartSeconds int                `json:"start_seconds"`
	EndSeconds   int                `json:"end_seconds"`
	Objects      []detection.Object `json:"object_pred"`
	Action       string             `json:"action_pred"`
}

// HasObjects reports whether the segment carries any detection evidence.
// Segments without evidence are invisible to every annotation rule.
func (r SegmentRecord) HasObjects() bool {
	return len(r.Objects) > 0
}
