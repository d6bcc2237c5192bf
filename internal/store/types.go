package store

// Annotation kinds.
const (
	KindInfo    = "info"
	KindWarning = "warning"
	KindError   = "error"
)

// Annotation categories.
const (
	CategoryFunnel       = "funnel"
	CategoryConicalFlask = "conical flask"
	CategoryBurette      = "burette"
	CategoryLabGoggles   = "lab goggles"
	CategoryWhiteTile    = "white tile"
)

// Annotation is a single time-ranged finding on a video.
type Annotation struct {
	Kind         string `json:"type"`
	Category     string `json:"category"`
	Message      string `json:"message"`
	StartSeconds int    `json:"start_seconds"`
	EndSeconds   int    `json:"end_seconds"`
}

// Video is one uploaded video and its analysis state as seen by a device.
type Video struct {
	FileName     string         `json:"file_name"`
	FilePath     string         `json:"file_path"`
	StatusList   []string       `json:"status_list"`
	Annotations  []Annotation   `json:"annotations"`
	StatusCounts map[string]int `json:"status_counts"`
}

// document is the whole persisted state: per-device video lists plus the
// active analysis job handles.
type document struct {
	Videos      map[string][]Video           `json:"videos"`
	ActiveTasks map[string]map[string]string `json:"active_tasks"`
}

func newVideo(name, path string) Video {
	return Video{
		FileName:    name,
		FilePath:    path,
		StatusList:  []string{},
		Annotations: []Annotation{},
		StatusCounts: map[string]int{
			KindInfo:    0,
			KindWarning: 0,
			KindError:   0,
		},
	}
}

func validKind(kind string) bool {
	switch kind {
	case KindInfo, KindWarning, KindError:
		return true
	}
	return false
}

func validCategory(category string) bool {
	switch category {
	case CategoryFunnel, CategoryConicalFlask, CategoryBurette, CategoryLabGoggles, CategoryWhiteTile:
		return true
	}
	return false
}

func copyVideo(v Video) Video {
	out := v
	out.StatusList = append([]string{}, v.StatusList...)
	out.Annotations = append([]Annotation{}, v.Annotations...)
	out.StatusCounts = make(map[string]int, len(v.StatusCounts))
	for k, n := range v.StatusCounts {
		out.StatusCounts[k] = n
	}
	return out
}

func copyVideos(videos []Video) []Video {
	out := make([]Video, len(videos))
	for i, v := range videos {
		out[i] = copyVideo(v)
	}
	return out
}
