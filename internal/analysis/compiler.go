package analysis

import (
	"labassist/internal/detection"
	"labassist/internal/store"
)

// Rule thresholds in seconds. An interval is emitted only when its span is
// strictly greater than the rule's threshold.
const (
	swirlThreshold   = 6
	gogglesThreshold = 10
	tileThreshold    = 6
	funnelThreshold  = 6
	beakerThreshold  = 2
)

// gogglesMaxIoU is the largest face/goggles overlap still considered
// improperly worn.
const gogglesMaxIoU = 0.1

const (
	msgSwirlCorrect    = "Correct swirling detected"
	msgSwirlIncorrect  = "Conical flask should not be grinded on the white tile"
	msgSwirlStationary = "Conical flask should be swirled to ensure proper mixing"
	msgGoggles         = "Goggles should be worn properly"
	msgTile            = "Conical flask should be placed on the white tile during titration"
	msgFunnel          = "Filter funnel should not be left on the burette during titration"
	msgBeaker          = "Filter funnel should be used when pouring solution into burette"
)

// Compile converts the ordered per-segment records of one video into
// time-ranged annotations. It is a pure function: five independent rules
// walk the same sequence, each opening and closing intervals keyed by its
// own predicate. Records without object detections are skipped by every
// rule, but the time they cover still counts toward interval spans.
func Compile(records []SegmentRecord) []store.Annotation {
	annotations := []store.Annotation{}
	annotations = append(annotations, compileSwirling(records)...)
	annotations = append(annotations, compileGoggles(records)...)
	annotations = append(annotations, compileBeaker(records)...)
	annotations = append(annotations, compileFunnel(records)...)
	annotations = append(annotations, compileTile(records)...)
	return annotations
}

// interval is the shared open/close accumulator. A closing timestamp must
// exceed the interval start by more than threshold for the interval to be
// emitted; shorter intervals are discarded silently.
type interval struct {
	threshold int
	open      bool
	start     int
}

// observe advances the accumulator: an active predicate opens (or continues)
// the interval, an inactive one closes it at t.
func (iv *interval) observe(t int, active bool) (start, end int, emit bool) {
	if active {
		if !iv.open {
			iv.open = true
			iv.start = t
		}
		return 0, 0, false
	}
	return iv.close(t)
}

// close ends an open interval at t, reporting whether it passed the
// threshold.
func (iv *interval) close(t int) (start, end int, emit bool) {
	if !iv.open {
		return 0, 0, false
	}
	iv.open = false
	if t-iv.start > iv.threshold {
		return iv.start, t, true
	}
	return 0, 0, false
}

// compileWindow runs one predicate rule over the sequence: the interval
// stays open while pred holds, closes at the start of the record where it
// stops holding, and is flushed at the end of the last seen record.
func compileWindow(records []SegmentRecord, threshold int, pred func(r SegmentRecord) bool, annotate func(start, end int) store.Annotation) []store.Annotation {
	var out []store.Annotation
	iv := interval{threshold: threshold}
	lastSeen := 0
	for _, r := range records {
		if !r.HasObjects() {
			continue
		}
		lastSeen = r.EndSeconds
		if start, end, emit := iv.observe(r.StartSeconds, pred(r)); emit {
			out = append(out, annotate(start, end))
		}
	}
	if start, end, emit := iv.close(lastSeen); emit {
		out = append(out, annotate(start, end))
	}
	return out
}

// compileSwirling tracks the action label across seen segments. Consecutive
// segments sharing a non-absent label keep one interval open; a label change
// (including to absent) closes it, and the interval's kind and message come
// from the label that was held.
func compileSwirling(records []SegmentRecord) []store.Annotation {
	var out []store.Annotation
	iv := interval{threshold: swirlThreshold}
	label := ""
	lastSeen := 0
	for _, r := range records {
		if !r.HasObjects() {
			continue
		}
		lastSeen = r.EndSeconds
		if iv.open && r.Action != label {
			if start, end, emit := iv.close(r.StartSeconds); emit {
				out = append(out, swirlAnnotation(label, start, end))
			}
		}
		if r.Action != "" {
			if !iv.open {
				iv.open = true
				iv.start = r.StartSeconds
			}
			label = r.Action
		}
	}
	if start, end, emit := iv.close(lastSeen); emit {
		out = append(out, swirlAnnotation(label, start, end))
	}
	return out
}

func swirlAnnotation(label string, start, end int) store.Annotation {
	a := store.Annotation{
		Category:     store.CategoryConicalFlask,
		StartSeconds: start,
		EndSeconds:   end,
	}
	switch label {
	case detection.ActionIncorrect:
		a.Kind = store.KindError
		a.Message = msgSwirlIncorrect
	case detection.ActionStationary:
		a.Kind = store.KindWarning
		a.Message = msgSwirlStationary
	default:
		a.Kind = store.KindInfo
		a.Message = msgSwirlCorrect
	}
	return a
}

// compileGoggles flags segments where the largest face and the largest
// goggles barely overlap. Segments missing either closes any open interval.
func compileGoggles(records []SegmentRecord) []store.Annotation {
	return compileWindow(records, gogglesThreshold, func(r SegmentRecord) bool {
		faces := objectsNamed(r.Objects, detection.ClassFace)
		goggles := objectsNamed(r.Objects, detection.ClassLabGoggles)
		if len(faces) == 0 || len(goggles) == 0 {
			return false
		}
		return iou(biggestBox(faces).Box, biggestBox(goggles).Box) < gogglesMaxIoU
	}, func(start, end int) store.Annotation {
		return store.Annotation{
			Kind:         store.KindError,
			Category:     store.CategoryLabGoggles,
			Message:      msgGoggles,
			StartSeconds: start,
			EndSeconds:   end,
		}
	})
}

// compileTile flags titration happening off the white tile.
func compileTile(records []SegmentRecord) []store.Annotation {
	return compileWindow(records, tileThreshold, func(r SegmentRecord) bool {
		return titrating(r) && validTile(r.Objects) == nil
	}, func(start, end int) store.Annotation {
		return store.Annotation{
			Kind:         store.KindError,
			Category:     store.CategoryWhiteTile,
			Message:      msgTile,
			StartSeconds: start,
			EndSeconds:   end,
		}
	})
}

// compileFunnel flags a filter funnel left on the burette during titration.
func compileFunnel(records []SegmentRecord) []store.Annotation {
	return compileWindow(records, funnelThreshold, func(r SegmentRecord) bool {
		return titrating(r) && validFunnel(r.Objects) != nil
	}, func(start, end int) store.Annotation {
		return store.Annotation{
			Kind:         store.KindError,
			Category:     store.CategoryFunnel,
			Message:      msgFunnel,
			StartSeconds: start,
			EndSeconds:   end,
		}
	})
}

// compileBeaker flags pouring from a beaker into the burette without a
// funnel in place.
func compileBeaker(records []SegmentRecord) []store.Annotation {
	return compileWindow(records, beakerThreshold, func(r SegmentRecord) bool {
		return validBeaker(r.Objects) != nil && validFunnel(r.Objects) == nil
	}, func(start, end int) store.Annotation {
		return store.Annotation{
			Kind:         store.KindError,
			Category:     store.CategoryFunnel,
			Message:      msgBeaker,
			StartSeconds: start,
			EndSeconds:   end,
		}
	})
}

// titrating reports whether the segment shows active titration handling.
func titrating(r SegmentRecord) bool {
	return r.Action == detection.ActionCorrect || r.Action == detection.ActionIncorrect
}
