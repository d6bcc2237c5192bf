package analysis

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"

	"labassist/internal/detection"
)

// Crop padding relative to the box height: extra headroom above the flask
// neck, a little below the base.
const (
	cropPadTop    = 0.4
	cropPadBottom = 0.2
	clipEdge      = 224
)

// cropAroundBox cuts a square region around the box out of a JPEG frame,
// scales it to clipEdge x clipEdge and re-encodes it. This is the
// normalization the action classifier expects.
func cropAroundBox(frameData []byte, box detection.Box) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(frameData))
	if err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	bounds := src.Bounds()
	frameW := bounds.Dx()
	frameH := bounds.Dy()

	x1, y1 := int(box.X1), int(box.Y1)
	x2, y2 := int(box.X2), int(box.Y2)

	y1 = clampInt(y1-int(float64(y2-y1)*cropPadTop), 0, frameH)
	y2 = clampInt(y2+int(float64(y2-y1)*cropPadBottom), 0, frameH)

	// Grow the shorter axis so the crop is square.
	if y2-y1 > x2-x1 {
		diff := (y2 - y1) - (x2 - x1)
		x1 = clampInt(x1-diff/2, 0, frameW)
		x2 = clampInt(x2+diff/2, 0, frameW)
	} else {
		diff := (x2 - x1) - (y2 - y1)
		y1 = clampInt(y1-diff/2, 0, frameH)
		y2 = clampInt(y2+diff/2, 0, frameH)
	}
	if x2 <= x1 || y2 <= y1 {
		return nil, fmt.Errorf("degenerate crop region [%d,%d)x[%d,%d)", x1, x2, y1, y2)
	}

	region := image.Rect(x1, y1, x2, y2).Add(bounds.Min)
	dst := image.NewRGBA(image.Rect(0, 0, clipEdge, clipEdge))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, region, xdraw.Src, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encoding crop: %w", err)
	}
	return out.Bytes(), nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
