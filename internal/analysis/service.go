package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"labassist/internal/detection"
	"labassist/internal/jobs"
	"labassist/internal/media"
	"labassist/internal/store"
)

// defaultFPS is assumed when the video resource cannot be opened, so failed
// segments still carry sensible timestamps.
const defaultFPS = 30

// defaultClipFrames is the number of frames sampled per segment for the
// action classifier.
const defaultClipFrames = 16

// ObjectDetector locates lab equipment in a single frame.
type ObjectDetector interface {
	Detect(imageData []byte) ([]detection.Object, error)
}

// ActionClassifier labels a cropped clip of segment frames.
type ActionClassifier interface {
	Classify(frames [][]byte) (string, error)
}

// VideoProber inspects videos and extracts frames.
type VideoProber interface {
	Probe(ctx context.Context, path string) (media.Info, error)
	ExtractFrame(ctx context.Context, path string, frame int, fps float64) ([]byte, error)
	ExtractFrames(ctx context.Context, path string, startFrame, endFrame int, fps float64, maxFrames int) ([][]byte, error)
}

// ChordSubmitter schedules a group of units plus a join continuation as one
// trackable job.
type ChordSubmitter interface {
	SubmitChord(units []jobs.UnitFunc, join jobs.JoinFunc) (string, error)
}

// Service splits uploaded videos into segments, runs the external perception
// models per segment and joins the results into annotations.
type Service struct {
	objects    ObjectDetector
	actions    ActionClassifier
	prober     VideoProber
	interval   int
	clipFrames int
	logger     *log.Logger
}

// NewService creates the analysis service. interval is the segment length in
// seconds; values <= 0 default to 4.
func NewService(objects ObjectDetector, actions ActionClassifier, prober VideoProber, interval int, logger *log.Logger) *Service {
	if interval <= 0 {
		interval = 4
	}
	return &Service{
		objects:    objects,
		actions:    actions,
		prober:     prober,
		interval:   interval,
		clipFrames: defaultClipFrames,
		logger:     logger,
	}
}

// Dispatch splits the video at path into fixed-duration segments and submits
// one unit per segment plus a join step that compiles annotations, as a
// single trackable job. All segments run concurrently; the join receives the
// records in dispatch order. A video that cannot be probed yields a single
// synthetic segment whose analysis degrades to absent predictions.
func (s *Service) Dispatch(ctx context.Context, queue ChordSubmitter, videoPath string) (string, error) {
	type window struct {
		startFrame, endFrame int
		fps                  float64
	}

	var windows []window
	info, err := s.prober.Probe(ctx, videoPath)
	if err != nil {
		s.logger.Printf("[Analysis] Probe failed for %s, dispatching synthetic segment: %v", videoPath, err)
		windows = []window{{startFrame: 0, endFrame: s.interval * defaultFPS, fps: defaultFPS}}
	} else {
		step := int(float64(s.interval) * info.FPS)
		if step < 1 {
			step = 1
		}
		for start := 0; start < info.FrameCount; start += step {
			end := start + step
			if end > info.FrameCount {
				end = info.FrameCount
			}
			windows = append(windows, window{startFrame: start, endFrame: end, fps: info.FPS})
		}
	}

	units := make([]jobs.UnitFunc, len(windows))
	for i, w := range windows {
		w := w
		units[i] = func(ctx context.Context) (json.RawMessage, error) {
			record := s.ProcessSegment(ctx, videoPath, w.startFrame, w.endFrame, w.fps)
			data, err := json.Marshal(record)
			if err != nil {
				return nil, fmt.Errorf("encoding segment record: %w", err)
			}
			return data, nil
		}
	}

	join := func(ctx context.Context, results []json.RawMessage) (json.RawMessage, error) {
		records, err := JoinRecords(results)
		if err != nil {
			return nil, err
		}
		annotations := Compile(records)
		data, err := json.Marshal(annotations)
		if err != nil {
			return nil, fmt.Errorf("encoding annotations: %w", err)
		}
		return data, nil
	}

	return queue.SubmitChord(units, join)
}

// JoinRecords decodes the raw unit results and restores temporal order.
// Units complete in any order, but the compiler requires the sequence sorted
// by start time.
func JoinRecords(results []json.RawMessage) ([]SegmentRecord, error) {
	records := make([]SegmentRecord, len(results))
	for i, raw := range results {
		if err := json.Unmarshal(raw, &records[i]); err != nil {
			return nil, fmt.Errorf("decoding segment record %d: %w", i, err)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartSeconds < records[j].StartSeconds
	})
	return records, nil
}

// ProcessSegment analyzes one segment: detect objects on a frame near the
// segment start and, when a valid flask is located, classify the action on a
// clip cropped around it. It never fails: every error path degrades to a
// record with absent predictions so aggregation always receives a
// well-formed sequence.
func (s *Service) ProcessSegment(ctx context.Context, videoPath string, startFrame, endFrame int, fps float64) SegmentRecord {
	if fps <= 0 {
		fps = defaultFPS
	}
	record := SegmentRecord{
		StartSeconds: int(float64(startFrame) / fps),
		EndSeconds:   int(float64(endFrame) / fps),
	}

	frame, err := s.prober.ExtractFrame(ctx, videoPath, startFrame, fps)
	if err != nil {
		s.logger.Printf("[Analysis] Frame extraction failed for %s@%d: %v", videoPath, startFrame, err)
		return record
	}

	objects, err := s.objects.Detect(frame)
	if err != nil {
		s.logger.Printf("[Analysis] Object detection failed for %s@%d: %v", videoPath, startFrame, err)
		return record
	}
	record.Objects = objects

	flask := validFlask(objects)
	if flask == nil {
		return record
	}

	frames, err := s.prober.ExtractFrames(ctx, videoPath, startFrame, endFrame, fps, s.clipFrames)
	if err != nil {
		s.logger.Printf("[Analysis] Clip extraction failed for %s@%d: %v", videoPath, startFrame, err)
		return record
	}

	clip := make([][]byte, 0, len(frames))
	for _, f := range frames {
		cropped, err := cropAroundBox(f, flask.Box)
		if err != nil {
			continue
		}
		clip = append(clip, cropped)
	}
	if len(clip) == 0 {
		return record
	}

	action, err := s.actions.Classify(clip)
	if err != nil {
		s.logger.Printf("[Analysis] Action classification failed for %s@%d: %v", videoPath, startFrame, err)
		return record
	}
	record.Action = action
	return record
}

// DecodeAnnotations decodes a finished job result back into annotations.
func DecodeAnnotations(result json.RawMessage) ([]store.Annotation, error) {
	var annotations []store.Annotation
	if err := json.Unmarshal(result, &annotations); err != nil {
		return nil, fmt.Errorf("decoding annotations: %w", err)
	}
	return annotations, nil
}
