package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"log"
	"reflect"
	"testing"

	"labassist/internal/detection"
	"labassist/internal/jobs"
	"labassist/internal/media"
)

type fakeProber struct {
	info      media.Info
	probeErr  error
	frame     []byte
	frameErr  error
	frames    [][]byte
	framesErr error
}

func (f *fakeProber) Probe(ctx context.Context, path string) (media.Info, error) {
	return f.info, f.probeErr
}

func (f *fakeProber) ExtractFrame(ctx context.Context, path string, frame int, fps float64) ([]byte, error) {
	return f.frame, f.frameErr
}

func (f *fakeProber) ExtractFrames(ctx context.Context, path string, startFrame, endFrame int, fps float64, maxFrames int) ([][]byte, error) {
	return f.frames, f.framesErr
}

type fakeDetector struct {
	objects []detection.Object
	err     error
}

func (f *fakeDetector) Detect(imageData []byte) ([]detection.Object, error) {
	return f.objects, f.err
}

type fakeClassifier struct {
	action string
	err    error
	calls  int
}

func (f *fakeClassifier) Classify(frames [][]byte) (string, error) {
	f.calls++
	return f.action, f.err
}

// fakeSubmitter runs the chord synchronously and captures what was submitted.
type fakeSubmitter struct {
	units   int
	results []json.RawMessage
	final   json.RawMessage
}

func (f *fakeSubmitter) SubmitChord(units []jobs.UnitFunc, join jobs.JoinFunc) (string, error) {
	f.units = len(units)
	ctx := context.Background()
	for _, unit := range units {
		res, err := unit(ctx)
		if err != nil {
			return "", err
		}
		f.results = append(f.results, res)
	}
	final, err := join(ctx, f.results)
	if err != nil {
		return "", err
	}
	f.final = final
	return "job-1", nil
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 64)), nil); err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}
	return buf.Bytes()
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestDispatchWindowing(t *testing.T) {
	prober := &fakeProber{
		info:     media.Info{FPS: 30, FrameCount: 300},
		frameErr: errors.New("no decoder"),
	}
	svc := NewService(&fakeDetector{}, &fakeClassifier{}, prober, 4, discardLogger())
	sub := &fakeSubmitter{}

	jobID, err := svc.Dispatch(context.Background(), sub, "/videos/a.mp4")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if jobID != "job-1" {
		t.Errorf("jobID = %q", jobID)
	}
	// 300 frames at 30 fps in 4s windows: [0,120) [120,240) [240,300).
	if sub.units != 3 {
		t.Fatalf("units = %d, want 3", sub.units)
	}

	records, err := JoinRecords(sub.results)
	if err != nil {
		t.Fatalf("JoinRecords: %v", err)
	}
	wantSpans := [][2]int{{0, 4}, {4, 8}, {8, 10}}
	for i, span := range wantSpans {
		if records[i].StartSeconds != span[0] || records[i].EndSeconds != span[1] {
			t.Errorf("record %d spans [%d,%d], want %v", i, records[i].StartSeconds, records[i].EndSeconds, span)
		}
	}

	// Frame extraction failed, so no evidence and no annotations.
	annotations, err := DecodeAnnotations(sub.final)
	if err != nil {
		t.Fatalf("DecodeAnnotations: %v", err)
	}
	if len(annotations) != 0 {
		t.Errorf("annotations = %+v", annotations)
	}
}

func TestDispatchProbeFailureSyntheticSegment(t *testing.T) {
	prober := &fakeProber{
		probeErr: errors.New("moov atom not found"),
		frameErr: errors.New("no decoder"),
	}
	svc := NewService(&fakeDetector{}, &fakeClassifier{}, prober, 4, discardLogger())
	sub := &fakeSubmitter{}

	if _, err := svc.Dispatch(context.Background(), sub, "/videos/broken.mp4"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sub.units != 1 {
		t.Fatalf("units = %d, want 1", sub.units)
	}

	records, err := JoinRecords(sub.results)
	if err != nil {
		t.Fatalf("JoinRecords: %v", err)
	}
	if records[0].StartSeconds != 0 || records[0].EndSeconds != 4 {
		t.Errorf("synthetic record spans [%d,%d], want [0,4]", records[0].StartSeconds, records[0].EndSeconds)
	}
	if records[0].HasObjects() || records[0].Action != "" {
		t.Errorf("synthetic record carries predictions: %+v", records[0])
	}
}

func TestProcessSegmentFullPath(t *testing.T) {
	frame := testJPEG(t)
	scene := []detection.Object{
		obj(detection.ClassConicalFlask, box(10, 10, 40, 50)),
		obj(detection.ClassBurette, box(20, 0, 30, 40)),
	}
	prober := &fakeProber{frame: frame, frames: [][]byte{frame, frame}}
	classifier := &fakeClassifier{action: detection.ActionCorrect}
	svc := NewService(&fakeDetector{objects: scene}, classifier, prober, 4, discardLogger())

	record := svc.ProcessSegment(context.Background(), "/videos/a.mp4", 120, 240, 30)
	if record.StartSeconds != 4 || record.EndSeconds != 8 {
		t.Errorf("record spans [%d,%d], want [4,8]", record.StartSeconds, record.EndSeconds)
	}
	if !reflect.DeepEqual(record.Objects, scene) {
		t.Errorf("Objects = %+v", record.Objects)
	}
	if record.Action != detection.ActionCorrect {
		t.Errorf("Action = %q", record.Action)
	}
	if classifier.calls != 1 {
		t.Errorf("classifier calls = %d", classifier.calls)
	}
}

func TestProcessSegmentDegradations(t *testing.T) {
	frame := testJPEG(t)
	scene := []detection.Object{
		obj(detection.ClassConicalFlask, box(10, 10, 40, 50)),
		obj(detection.ClassBurette, box(20, 0, 30, 40)),
	}

	tests := []struct {
		name        string
		prober      *fakeProber
		detector    *fakeDetector
		wantObjects bool
	}{
		{
			name:     "frame extraction fails",
			prober:   &fakeProber{frameErr: errors.New("boom")},
			detector: &fakeDetector{objects: scene},
		},
		{
			name:     "detection fails",
			prober:   &fakeProber{frame: frame},
			detector: &fakeDetector{err: errors.New("model down")},
		},
		{
			name:        "no valid flask skips classification",
			prober:      &fakeProber{frame: frame},
			detector:    &fakeDetector{objects: []detection.Object{obj(detection.ClassBeaker, box(0, 0, 5, 5))}},
			wantObjects: true,
		},
		{
			name:        "clip extraction fails",
			prober:      &fakeProber{frame: frame, framesErr: errors.New("boom")},
			detector:    &fakeDetector{objects: scene},
			wantObjects: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classifier := &fakeClassifier{action: detection.ActionCorrect}
			svc := NewService(tt.detector, classifier, tt.prober, 4, discardLogger())

			record := svc.ProcessSegment(context.Background(), "/videos/a.mp4", 0, 120, 30)
			if record.HasObjects() != tt.wantObjects {
				t.Errorf("HasObjects = %v, want %v", record.HasObjects(), tt.wantObjects)
			}
			if record.Action != "" {
				t.Errorf("Action = %q, want absent", record.Action)
			}
		})
	}
}

func TestProcessSegmentClassifierFailure(t *testing.T) {
	frame := testJPEG(t)
	scene := []detection.Object{
		obj(detection.ClassConicalFlask, box(10, 10, 40, 50)),
		obj(detection.ClassBurette, box(20, 0, 30, 40)),
	}
	prober := &fakeProber{frame: frame, frames: [][]byte{frame}}
	svc := NewService(&fakeDetector{objects: scene}, &fakeClassifier{err: errors.New("timeout")}, prober, 4, discardLogger())

	record := svc.ProcessSegment(context.Background(), "/videos/a.mp4", 0, 120, 30)
	if !record.HasObjects() {
		t.Error("expected the detections to survive a classifier failure")
	}
	if record.Action != "" {
		t.Errorf("Action = %q, want absent", record.Action)
	}
}

func TestJoinRecordsRestoresOrder(t *testing.T) {
	raw := []json.RawMessage{
		[]byte(`{"start_seconds": 8, "end_seconds": 12, "object_pred": null, "action_pred": ""}`),
		[]byte(`{"start_seconds": 0, "end_seconds": 4, "object_pred": null, "action_pred": ""}`),
		[]byte(`{"start_seconds": 4, "end_seconds": 8, "object_pred": null, "action_pred": ""}`),
	}
	records, err := JoinRecords(raw)
	if err != nil {
		t.Fatalf("JoinRecords: %v", err)
	}
	for i, want := range []int{0, 4, 8} {
		if records[i].StartSeconds != want {
			t.Errorf("record %d starts at %d, want %d", i, records[i].StartSeconds, want)
		}
	}

	if _, err := JoinRecords([]json.RawMessage{[]byte(`{broken`)}); err == nil {
		t.Error("expected decode error")
	}
}

func TestDecodeAnnotationsRejectsGarbage(t *testing.T) {
	if _, err := DecodeAnnotations([]byte(`"nope"`)); err == nil {
		t.Error("expected error")
	}
}
