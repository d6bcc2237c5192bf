package analysis

import "labassist/internal/detection"

// Geometric relations over detected bounding boxes. Each validator returns
// the single largest qualifying box, or nil when the relation does not hold.

// iou computes intersection-over-union of two boxes.
func iou(a, b detection.Box) float64 {
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)
	intersection := max(0, x2-x1) * max(0, y2-y1)
	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// objectsNamed filters detections by class name.
func objectsNamed(objects []detection.Object, name string) []detection.Object {
	var out []detection.Object
	for _, obj := range objects {
		if obj.Name == name {
			out = append(out, obj)
		}
	}
	return out
}

// biggestBox returns the detection with the largest box area.
func biggestBox(objects []detection.Object) detection.Object {
	best := objects[0]
	for _, obj := range objects[1:] {
		if obj.Box.Area() > best.Box.Area() {
			best = obj
		}
	}
	return best
}

// validFlask returns the largest conical flask sitting under a burette: the
// burette's horizontal midpoint must fall inside the flask box.
func validFlask(objects []detection.Object) *detection.Object {
	flasks := objectsNamed(objects, detection.ClassConicalFlask)
	burettes := objectsNamed(objects, detection.ClassBurette)

	var valid []detection.Object
	for _, flask := range flasks {
		for _, burette := range burettes {
			mid := (burette.Box.X1 + burette.Box.X2) / 2
			if flask.Box.X1 < mid && mid < flask.Box.X2 {
				valid = append(valid, flask)
				break
			}
		}
	}
	if len(valid) == 0 {
		return nil
	}
	best := biggestBox(valid)
	return &best
}

// validTile returns the largest white tile with a conical flask over it: the
// flask's horizontal midpoint must fall inside the tile box.
func validTile(objects []detection.Object) *detection.Object {
	flasks := objectsNamed(objects, detection.ClassConicalFlask)
	tiles := objectsNamed(objects, detection.ClassWhiteTile)

	var valid []detection.Object
	for _, tile := range tiles {
		for _, flask := range flasks {
			mid := (flask.Box.X1 + flask.Box.X2) / 2
			if tile.Box.X1 < mid && mid < tile.Box.X2 {
				valid = append(valid, tile)
				break
			}
		}
	}
	if len(valid) == 0 {
		return nil
	}
	best := biggestBox(valid)
	return &best
}

// validFunnel returns the largest funnel resting on top of a burette: the
// burette's horizontal midpoint must fall inside the funnel box and the
// funnel must sit near the burette's top edge.
func validFunnel(objects []detection.Object) *detection.Object {
	funnels := objectsNamed(objects, detection.ClassFunnel)
	burettes := objectsNamed(objects, detection.ClassBurette)

	var valid []detection.Object
	for _, funnel := range funnels {
		for _, burette := range burettes {
			mid := (burette.Box.X1 + burette.Box.X2) / 2
			if funnel.Box.X1 < mid && mid < funnel.Box.X2 && funnel.Box.Y1 > burette.Box.Y1*0.8 {
				valid = append(valid, funnel)
				break
			}
		}
	}
	if len(valid) == 0 {
		return nil
	}
	best := biggestBox(valid)
	return &best
}

// validBeaker returns the largest beaker held near the top of a burette,
// within 2.5 beaker-widths of the burette mouth in both axes.
func validBeaker(objects []detection.Object) *detection.Object {
	beakers := objectsNamed(objects, detection.ClassBeaker)
	burettes := objectsNamed(objects, detection.ClassBurette)

	var valid []detection.Object
	for _, beaker := range beakers {
		for _, burette := range burettes {
			buretteX := (burette.Box.X1 + burette.Box.X2) / 2
			buretteY := burette.Box.Y1
			threshold := 2.5 * abs(beaker.Box.X2-beaker.Box.X1)
			midX := (beaker.Box.X1 + beaker.Box.X2) / 2
			midY := (beaker.Box.Y1 + beaker.Box.Y2) / 2
			if abs(midX-buretteX) < threshold && abs(midY-buretteY) < threshold {
				valid = append(valid, beaker)
				break
			}
		}
	}
	if len(valid) == 0 {
		return nil
	}
	best := biggestBox(valid)
	return &best
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
