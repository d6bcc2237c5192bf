package analysis

import (
	"reflect"
	"testing"

	"labassist/internal/detection"
	"labassist/internal/store"
)

func box(x1, y1, x2, y2 float64) detection.Box {
	return detection.Box{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func obj(name string, b detection.Box) detection.Object {
	return detection.Object{Name: name, Confidence: 0.9, Box: b}
}

func rec(start, end int, action string, objects ...detection.Object) SegmentRecord {
	return SegmentRecord{StartSeconds: start, EndSeconds: end, Action: action, Objects: objects}
}

// flaskScene is a minimal detection set that makes a segment visible to the
// rules without triggering any geometric predicate by itself.
func flaskScene() detection.Object {
	return obj(detection.ClassConicalFlask, box(0, 100, 50, 200))
}

func TestCompileEmptyInput(t *testing.T) {
	if got := Compile(nil); len(got) != 0 {
		t.Errorf("expected no annotations, got %+v", got)
	}
	if got := Compile([]SegmentRecord{}); len(got) != 0 {
		t.Errorf("expected no annotations, got %+v", got)
	}
}

func TestCompileSwirling(t *testing.T) {
	tests := []struct {
		name    string
		records []SegmentRecord
		want    []store.Annotation
	}{
		{
			name: "correct swirling past threshold",
			records: []SegmentRecord{
				rec(0, 4, detection.ActionCorrect, flaskScene()),
				rec(4, 8, detection.ActionCorrect, flaskScene()),
				rec(8, 12, "", flaskScene()),
			},
			want: []store.Annotation{{
				Kind: store.KindInfo, Category: store.CategoryConicalFlask,
				Message: "Correct swirling detected", StartSeconds: 0, EndSeconds: 8,
			}},
		},
		{
			name: "exactly threshold is not emitted",
			records: []SegmentRecord{
				rec(0, 3, detection.ActionCorrect, flaskScene()),
				rec(3, 6, detection.ActionCorrect, flaskScene()),
			},
			want: nil,
		},
		{
			name: "label change splits intervals",
			records: []SegmentRecord{
				rec(0, 4, detection.ActionCorrect, flaskScene()),
				rec(4, 8, detection.ActionCorrect, flaskScene()),
				rec(8, 12, detection.ActionIncorrect, flaskScene()),
				rec(12, 16, detection.ActionIncorrect, flaskScene()),
			},
			want: []store.Annotation{
				{
					Kind: store.KindInfo, Category: store.CategoryConicalFlask,
					Message: "Correct swirling detected", StartSeconds: 0, EndSeconds: 8,
				},
				{
					Kind: store.KindError, Category: store.CategoryConicalFlask,
					Message: "Conical flask should not be grinded on the white tile", StartSeconds: 8, EndSeconds: 16,
				},
			},
		},
		{
			name: "stationary flask warns",
			records: []SegmentRecord{
				rec(0, 4, detection.ActionStationary, flaskScene()),
				rec(4, 8, detection.ActionStationary, flaskScene()),
			},
			want: []store.Annotation{{
				Kind: store.KindWarning, Category: store.CategoryConicalFlask,
				Message: "Conical flask should be swirled to ensure proper mixing", StartSeconds: 0, EndSeconds: 8,
			}},
		},
		{
			name: "segments without detections are skipped but time counts",
			records: []SegmentRecord{
				rec(0, 4, detection.ActionCorrect, flaskScene()),
				rec(4, 8, ""),
				rec(8, 12, detection.ActionCorrect, flaskScene()),
			},
			want: []store.Annotation{{
				Kind: store.KindInfo, Category: store.CategoryConicalFlask,
				Message: "Correct swirling detected", StartSeconds: 0, EndSeconds: 12,
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := compileSwirling(tt.records)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v\nwant %+v", got, tt.want)
			}
		})
	}
}

func TestCompileGoggles(t *testing.T) {
	face := obj(detection.ClassFace, box(0, 0, 10, 10))
	looseGoggles := obj(detection.ClassLabGoggles, box(50, 50, 60, 60))
	wornGoggles := obj(detection.ClassLabGoggles, box(0, 0, 10, 10))

	t.Run("loose goggles past threshold", func(t *testing.T) {
		records := []SegmentRecord{
			rec(0, 4, "", face, looseGoggles),
			rec(4, 8, "", face, looseGoggles),
			rec(8, 12, "", face, looseGoggles),
			rec(12, 16, "", face, wornGoggles),
		}
		want := []store.Annotation{{
			Kind: store.KindError, Category: store.CategoryLabGoggles,
			Message: "Goggles should be worn properly", StartSeconds: 0, EndSeconds: 12,
		}}
		if got := compileGoggles(records); !reflect.DeepEqual(got, want) {
			t.Errorf("got %+v\nwant %+v", got, want)
		}
	})

	t.Run("exactly threshold is not emitted", func(t *testing.T) {
		records := []SegmentRecord{
			rec(0, 5, "", face, looseGoggles),
			rec(5, 10, "", face, looseGoggles),
			rec(10, 14, "", face, wornGoggles),
		}
		// Closed at 10; a 10s span does not exceed the threshold.
		if got := compileGoggles(records); len(got) != 0 {
			t.Errorf("expected no annotations, got %+v", got)
		}
	})

	t.Run("worn goggles are clean", func(t *testing.T) {
		records := []SegmentRecord{
			rec(0, 4, "", face, wornGoggles),
			rec(4, 8, "", face, wornGoggles),
			rec(8, 12, "", face, wornGoggles),
		}
		if got := compileGoggles(records); len(got) != 0 {
			t.Errorf("expected no annotations, got %+v", got)
		}
	})

	t.Run("missing face closes the interval", func(t *testing.T) {
		records := []SegmentRecord{
			rec(0, 4, "", face, looseGoggles),
			rec(4, 8, "", looseGoggles),
		}
		// Closed at 4; the span is under the threshold.
		if got := compileGoggles(records); len(got) != 0 {
			t.Errorf("expected no annotations, got %+v", got)
		}
	})
}

func TestCompileBeaker(t *testing.T) {
	burette := obj(detection.ClassBurette, box(100, 0, 110, 200))
	// 20 wide, centred on the burette mouth: within 2.5 widths on both axes.
	pouringBeaker := obj(detection.ClassBeaker, box(95, 10, 115, 30))
	funnel := obj(detection.ClassFunnel, box(95, 5, 115, 30))

	t.Run("pouring without funnel", func(t *testing.T) {
		records := []SegmentRecord{
			rec(0, 2, "", burette, pouringBeaker),
			rec(2, 4, "", burette, pouringBeaker),
			rec(4, 6, "", burette),
		}
		want := []store.Annotation{{
			Kind: store.KindError, Category: store.CategoryFunnel,
			Message: "Filter funnel should be used when pouring solution into burette", StartSeconds: 0, EndSeconds: 4,
		}}
		if got := compileBeaker(records); !reflect.DeepEqual(got, want) {
			t.Errorf("got %+v\nwant %+v", got, want)
		}
	})

	t.Run("exactly threshold is not emitted", func(t *testing.T) {
		records := []SegmentRecord{
			rec(0, 2, "", burette, pouringBeaker),
			rec(2, 4, "", burette),
		}
		// Closed at 2; a 2s span does not exceed the threshold.
		if got := compileBeaker(records); len(got) != 0 {
			t.Errorf("expected no annotations, got %+v", got)
		}
	})

	t.Run("funnel in place suppresses the rule", func(t *testing.T) {
		records := []SegmentRecord{
			rec(0, 2, "", burette, pouringBeaker, funnel),
			rec(2, 4, "", burette, pouringBeaker, funnel),
			rec(4, 6, "", burette),
		}
		if got := compileBeaker(records); len(got) != 0 {
			t.Errorf("expected no annotations, got %+v", got)
		}
	})
}

func TestCompileFunnel(t *testing.T) {
	burette := obj(detection.ClassBurette, box(100, 0, 110, 200))
	funnel := obj(detection.ClassFunnel, box(95, 5, 115, 30))

	records := []SegmentRecord{
		rec(0, 4, detection.ActionCorrect, burette, funnel),
		rec(4, 8, detection.ActionCorrect, burette, funnel),
		rec(8, 12, "", burette, funnel),
	}
	want := []store.Annotation{{
		Kind: store.KindError, Category: store.CategoryFunnel,
		Message: "Filter funnel should not be left on the burette during titration", StartSeconds: 0, EndSeconds: 8,
	}}
	if got := compileFunnel(records); !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v\nwant %+v", got, want)
	}
}

func TestCompileTile(t *testing.T) {
	// Flask far from any tile while titrating.
	flask := obj(detection.ClassConicalFlask, box(0, 100, 50, 200))
	tile := obj(detection.ClassWhiteTile, box(300, 150, 400, 250))

	records := []SegmentRecord{
		rec(0, 4, detection.ActionCorrect, flask, tile),
		rec(4, 8, detection.ActionCorrect, flask, tile),
		rec(8, 12, detection.ActionStationary, flask, tile),
	}
	want := []store.Annotation{{
		Kind: store.KindError, Category: store.CategoryWhiteTile,
		Message: "Conical flask should be placed on the white tile during titration", StartSeconds: 0, EndSeconds: 8,
	}}
	if got := compileTile(records); !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v\nwant %+v", got, want)
	}
}

func TestCompileGroupsByRule(t *testing.T) {
	face := obj(detection.ClassFace, box(0, 0, 10, 10))
	looseGoggles := obj(detection.ClassLabGoggles, box(50, 50, 60, 60))

	records := []SegmentRecord{
		rec(0, 4, detection.ActionCorrect, flaskScene(), face, looseGoggles),
		rec(4, 8, detection.ActionCorrect, flaskScene(), face, looseGoggles),
		rec(8, 12, detection.ActionCorrect, flaskScene(), face, looseGoggles),
	}

	// Titrating off-tile the whole time also trips the tile rule.
	got := Compile(records)
	if len(got) != 3 {
		t.Fatalf("expected 3 annotations, got %+v", got)
	}
	wantOrder := []string{store.CategoryConicalFlask, store.CategoryLabGoggles, store.CategoryWhiteTile}
	for i, category := range wantOrder {
		if got[i].Category != category {
			t.Errorf("annotation %d category = %q, want %q", i, got[i].Category, category)
		}
	}
}
