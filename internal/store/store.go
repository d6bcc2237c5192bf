package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"labassist/internal/patch"
)

// Store is the authoritative per-device state document. Every mutation takes
// a snapshot of the target device's video list before and after the change
// and returns the patch between the two; the whole document is persisted
// after each mutation. Mutations for the same device are serialized by a
// per-device mutex so independent devices never contend on the logical
// read-modify-write; a short internal lock guards the shared maps and the
// persistence write itself.
type Store struct {
	path   string
	logger *log.Logger

	docMu sync.RWMutex
	doc   document

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New loads the store from path. A missing or malformed file yields an empty
// store, not an error.
func New(path string, logger *log.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logger,
		doc: document{
			Videos:      make(map[string][]Video),
			ActiveTasks: make(map[string]map[string]string),
		},
		locks: make(map[string]*sync.Mutex),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Printf("[Store] Failed to read %s, starting empty: %v", path, err)
		}
		return s, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Printf("[Store] Malformed state file %s, starting empty: %v", path, err)
		return s, nil
	}
	if doc.Videos == nil {
		doc.Videos = make(map[string][]Video)
	}
	if doc.ActiveTasks == nil {
		doc.ActiveTasks = make(map[string]map[string]string)
	}
	s.doc = doc
	return s, nil
}

// deviceLock returns the mutex serializing mutations for one device.
func (s *Store) deviceLock(deviceID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.locks[deviceID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[deviceID] = mu
	}
	return mu
}

// persistLocked writes the whole document. Callers must hold docMu.
func (s *Store) persistLocked() error {
	data, err := json.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("encoding state document: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state document: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing state document: %w", err)
	}
	return nil
}

// Diff computes the patch transforming one video list snapshot into another.
func Diff(before, after []Video) patch.Patch {
	oldTree, err := patch.Normalize(before)
	if err != nil {
		return nil
	}
	newTree, err := patch.Normalize(after)
	if err != nil {
		return nil
	}
	return patch.Diff(oldTree, newTree)
}

// mutate runs fn against the device's video list under the device lock,
// persists the document and returns the patch between the before and after
// snapshots. fn receives the live list and returns the replacement list.
func (s *Store) mutate(deviceID string, fn func(videos []Video) ([]Video, error)) (patch.Patch, error) {
	mu := s.deviceLock(deviceID)
	mu.Lock()
	defer mu.Unlock()

	s.docMu.Lock()
	defer s.docMu.Unlock()

	before := copyVideos(s.doc.Videos[deviceID])
	after, err := fn(s.doc.Videos[deviceID])
	if err != nil {
		return nil, err
	}
	s.doc.Videos[deviceID] = after
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return Diff(before, after), nil
}

// AddDevice registers a device, creating its empty video list if needed.
// The returned patch transforms an empty list into the device's current one,
// matching what a freshly connected client must apply.
func (s *Store) AddDevice(deviceID string) (patch.Patch, error) {
	return s.mutate(deviceID, func(videos []Video) ([]Video, error) {
		if videos == nil {
			videos = []Video{}
		}
		return videos, nil
	})
}

// RemoveDevice deletes a device and all of its videos.
func (s *Store) RemoveDevice(deviceID string) (patch.Patch, error) {
	mu := s.deviceLock(deviceID)
	mu.Lock()
	defer mu.Unlock()

	s.docMu.Lock()
	defer s.docMu.Unlock()

	videos, ok := s.doc.Videos[deviceID]
	if !ok {
		return nil, deviceNotFound(deviceID)
	}
	before := copyVideos(videos)
	delete(s.doc.Videos, deviceID)
	delete(s.doc.ActiveTasks, deviceID)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return Diff(before, []Video{}), nil
}

// AddVideo appends a new video entry with the initial "uploaded" status.
// The device is created implicitly. Video names are unique per device.
func (s *Store) AddVideo(deviceID, videoName, filePath string) (patch.Patch, error) {
	return s.mutate(deviceID, func(videos []Video) ([]Video, error) {
		if indexOf(videos, videoName) >= 0 {
			return nil, &ValidationError{Message: fmt.Sprintf("video %s already exists for device %s", videoName, deviceID)}
		}
		v := newVideo(videoName, filePath)
		v.StatusList = append(v.StatusList, "uploaded")
		return append(videos, v), nil
	})
}

// RemoveVideo deletes one video entry.
func (s *Store) RemoveVideo(deviceID, videoName string) (patch.Patch, error) {
	return s.mutate(deviceID, func(videos []Video) ([]Video, error) {
		if _, ok := s.doc.Videos[deviceID]; !ok {
			return nil, deviceNotFound(deviceID)
		}
		i := indexOf(videos, videoName)
		if i < 0 {
			return nil, videoNotFound(deviceID, videoName)
		}
		return append(videos[:i], videos[i+1:]...), nil
	})
}

// AddStatus appends one status label to a video.
func (s *Store) AddStatus(deviceID, videoName, status string) (patch.Patch, error) {
	return s.withVideo(deviceID, videoName, func(v *Video) error {
		v.StatusList = append(v.StatusList, status)
		return nil
	})
}

// ClearStatus removes all status labels from a video.
func (s *Store) ClearStatus(deviceID, videoName string) (patch.Patch, error) {
	return s.withVideo(deviceID, videoName, func(v *Video) error {
		v.StatusList = []string{}
		return nil
	})
}

// AddAnnotation appends one annotation and bumps the matching status count,
// keeping the count invariant intact.
func (s *Store) AddAnnotation(deviceID, videoName string, a Annotation) (patch.Patch, error) {
	return s.withVideo(deviceID, videoName, func(v *Video) error {
		if !validKind(a.Kind) {
			return &ValidationError{Message: fmt.Sprintf("invalid annotation type: %s", a.Kind)}
		}
		if !validCategory(a.Category) {
			return &ValidationError{Message: fmt.Sprintf("invalid annotation category: %s", a.Category)}
		}
		v.Annotations = append(v.Annotations, a)
		v.StatusCounts[a.Kind]++
		return nil
	})
}

// ClearAnnotations removes all annotations and zeroes the status counts.
func (s *Store) ClearAnnotations(deviceID, videoName string) (patch.Patch, error) {
	return s.withVideo(deviceID, videoName, func(v *Video) error {
		v.Annotations = []Annotation{}
		v.StatusCounts = map[string]int{
			KindInfo:    0,
			KindWarning: 0,
			KindError:   0,
		}
		return nil
	})
}

// Sync removes video entries whose backing file is no longer present.
// present holds the file names that actually exist on storage for the device.
func (s *Store) Sync(deviceID string, present []string) (patch.Patch, error) {
	existing := make(map[string]bool, len(present))
	for _, name := range present {
		existing[name] = true
	}
	return s.mutate(deviceID, func(videos []Video) ([]Video, error) {
		if _, ok := s.doc.Videos[deviceID]; !ok {
			return nil, deviceNotFound(deviceID)
		}
		kept := videos[:0]
		for _, v := range videos {
			if existing[v.FileName] {
				kept = append(kept, v)
			}
		}
		return kept, nil
	})
}

// withVideo applies fn to one video under the device lock and persists.
func (s *Store) withVideo(deviceID, videoName string, fn func(v *Video) error) (patch.Patch, error) {
	return s.mutate(deviceID, func(videos []Video) ([]Video, error) {
		if _, ok := s.doc.Videos[deviceID]; !ok {
			return nil, deviceNotFound(deviceID)
		}
		i := indexOf(videos, videoName)
		if i < 0 {
			return nil, videoNotFound(deviceID, videoName)
		}
		if err := fn(&videos[i]); err != nil {
			return nil, err
		}
		return videos, nil
	})
}

// AddTask registers the active job handle for a video.
func (s *Store) AddTask(deviceID, videoName, jobID string) error {
	mu := s.deviceLock(deviceID)
	mu.Lock()
	defer mu.Unlock()

	s.docMu.Lock()
	defer s.docMu.Unlock()

	tasks, ok := s.doc.ActiveTasks[deviceID]
	if !ok {
		tasks = make(map[string]string)
		s.doc.ActiveTasks[deviceID] = tasks
	}
	tasks[videoName] = jobID
	return s.persistLocked()
}

// GetTask returns the active job handle for a video, if any.
func (s *Store) GetTask(deviceID, videoName string) (string, bool) {
	s.docMu.RLock()
	defer s.docMu.RUnlock()
	jobID, ok := s.doc.ActiveTasks[deviceID][videoName]
	return jobID, ok
}

// RemoveTask deregisters a job handle and reports whether the handle was
// present. Removing an absent handle is a no-op; the report is the claim
// concurrent reconciler sessions race on, so a terminal job is folded into
// the store exactly once.
func (s *Store) RemoveTask(deviceID, videoName string) (bool, error) {
	mu := s.deviceLock(deviceID)
	mu.Lock()
	defer mu.Unlock()

	s.docMu.Lock()
	defer s.docMu.Unlock()

	tasks, ok := s.doc.ActiveTasks[deviceID]
	if !ok {
		return false, nil
	}
	if _, ok := tasks[videoName]; !ok {
		return false, nil
	}
	delete(tasks, videoName)
	if len(tasks) == 0 {
		delete(s.doc.ActiveTasks, deviceID)
	}
	return true, s.persistLocked()
}

// ActiveTasks returns a copy of the video → job mapping for one device.
func (s *Store) ActiveTasks(deviceID string) map[string]string {
	s.docMu.RLock()
	defer s.docMu.RUnlock()
	tasks := s.doc.ActiveTasks[deviceID]
	out := make(map[string]string, len(tasks))
	for name, jobID := range tasks {
		out[name] = jobID
	}
	return out
}

// DeviceVideos returns a deep copy of the device's video list. Unknown
// devices yield an empty list.
func (s *Store) DeviceVideos(deviceID string) []Video {
	s.docMu.RLock()
	defer s.docMu.RUnlock()
	return copyVideos(s.doc.Videos[deviceID])
}

// GetVideo returns a copy of one video entry.
func (s *Store) GetVideo(deviceID, videoName string) (Video, error) {
	s.docMu.RLock()
	defer s.docMu.RUnlock()
	videos, ok := s.doc.Videos[deviceID]
	if !ok {
		return Video{}, deviceNotFound(deviceID)
	}
	i := indexOf(videos, videoName)
	if i < 0 {
		return Video{}, videoNotFound(deviceID, videoName)
	}
	return copyVideo(videos[i]), nil
}

// ApplyPatch applies a client-submitted patch to the device's video list and
// returns the resulting list (pull-side of the patch protocol).
func (s *Store) ApplyPatch(deviceID string, p patch.Patch) ([]Video, error) {
	mu := s.deviceLock(deviceID)
	mu.Lock()
	defer mu.Unlock()

	s.docMu.Lock()
	defer s.docMu.Unlock()

	videos, ok := s.doc.Videos[deviceID]
	if !ok {
		return nil, deviceNotFound(deviceID)
	}
	tree, err := patch.Normalize(videos)
	if err != nil {
		return nil, fmt.Errorf("applying patch: %w", err)
	}
	patched, err := patch.Apply(tree, p)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("patch does not apply: %v", err)}
	}
	data, err := json.Marshal(patched)
	if err != nil {
		return nil, fmt.Errorf("applying patch: %w", err)
	}
	var updated []Video
	if err := json.Unmarshal(data, &updated); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("patch yields invalid video list: %v", err)}
	}
	if updated == nil {
		updated = []Video{}
	}
	s.doc.Videos[deviceID] = updated
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return copyVideos(updated), nil
}

func indexOf(videos []Video, name string) int {
	for i, v := range videos {
		if v.FileName == name {
			return i
		}
	}
	return -1
}
