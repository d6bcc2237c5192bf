package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"labassist/internal/jobs"
	"labassist/internal/reconciler"
	"labassist/internal/store"
)

const maxUploadSize = 500 << 20 // 500MB

var allowedExtensions = map[string]bool{
	".mp4": true,
	".mov": true,
	".avi": true,
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			httpError(w, http.StatusBadRequest, "invalid multipart form: %v", err)
			return
		}

		device := deviceID(r)
		if device == "" {
			httpError(w, http.StatusBadRequest, "device_id is required")
			return
		}

		file, header, err := r.FormFile("video")
		if err != nil {
			httpError(w, http.StatusBadRequest, "video file is required")
			return
		}
		defer file.Close()

		name := filepath.Base(header.Filename)
		if name == "." || name == string(filepath.Separator) || name == "" {
			httpError(w, http.StatusBadRequest, "invalid file name")
			return
		}
		if !allowedExtensions[strings.ToLower(filepath.Ext(name))] {
			httpError(w, http.StatusBadRequest, "unsupported file type %q", filepath.Ext(name))
			return
		}

		dir := filepath.Join(deps.UploadDir, device)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			httpError(w, http.StatusInternalServerError, "failed to prepare upload directory: %v", err)
			return
		}
		path := filepath.Join(dir, name)

		dst, err := os.Create(path)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to save video: %v", err)
			return
		}
		if _, err := io.Copy(dst, file); err != nil {
			dst.Close()
			os.Remove(path)
			httpError(w, http.StatusInternalServerError, "failed to save video: %v", err)
			return
		}
		dst.Close()

		p, err := deps.Store.AddVideo(device, name, path)
		if err != nil {
			os.Remove(path)
			var verr *store.ValidationError
			if errors.As(err, &verr) {
				httpError(w, http.StatusConflict, "%s", verr.Message)
				return
			}
			httpError(w, http.StatusInternalServerError, "failed to register video: %v", err)
			return
		}
		deps.Hub.EmitPatch(device, p)

		deps.Logger.Printf("[API] Uploaded %s for device %s", name, device)
		writeJSON(w, http.StatusCreated, map[string]string{
			"message": "Video uploaded successfully",
			"video":   name,
		})
	}
}

func handleProcess(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device := deviceID(r)
		name := chi.URLParam(r, "name")

		video, ok := ensureVideo(deps, w, device, name)
		if !ok {
			return
		}

		before := deps.Store.DeviceVideos(device)
		deps.Store.ClearAnnotations(device, name)
		deps.Store.ClearStatus(device, name)
		deps.Store.AddStatus(device, name, reconciler.StatusLabel(jobs.StatePending))

		jobID, err := deps.Analysis.Dispatch(r.Context(), deps.Jobs, video.FilePath)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to start analysis: %v", err)
			return
		}
		if err := deps.Store.AddTask(device, name, jobID); err != nil {
			httpError(w, http.StatusInternalServerError, "failed to track analysis job: %v", err)
			return
		}

		after := deps.Store.DeviceVideos(device)
		if p := store.Diff(before, after); len(p) > 0 {
			deps.Hub.EmitPatch(device, p)
		}

		deps.Logger.Printf("[API] Dispatched job %s for %s/%s", jobID, device, name)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id": jobID,
			"status": reconciler.StatusLabel(jobs.StatePending),
		})
	}
}

func handleDownload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device := deviceID(r)
		name := chi.URLParam(r, "name")

		video, ok := ensureVideo(deps, w, device, name)
		if !ok {
			return
		}
		http.ServeFile(w, r, video.FilePath)
	}
}

func handleDelete(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device := deviceID(r)
		name := chi.URLParam(r, "name")

		video, err := deps.Store.GetVideo(device, name)
		if err != nil {
			respondMissing(deps, w, device)
			return
		}
		// Remove the record even when the backing file is already gone.
		os.Remove(video.FilePath)

		p, err := deps.Store.RemoveVideo(device, name)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to remove video: %v", err)
			return
		}
		deps.Hub.EmitPatch(device, p)

		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device := deviceID(r)
		name := chi.URLParam(r, "name")

		video, err := deps.Store.GetVideo(device, name)
		if err != nil {
			respondMissing(deps, w, device)
			return
		}

		jobID, active := deps.Store.GetTask(device, name)
		if !active {
			writeJSON(w, http.StatusOK, map[string]any{
				"video":    name,
				"statuses": video.StatusList,
			})
			return
		}

		state, _, err := deps.Jobs.Status(jobID)
		if err != nil {
			state = jobs.StateFailed
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"video":  name,
			"job_id": jobID,
			"status": reconciler.StatusLabel(state),
		})
	}
}

// ensureVideo looks a video up and verifies its backing file still exists.
// A vanished file triggers a resync of the device's list before responding,
// so the client's next view matches the disk.
func ensureVideo(deps Deps, w http.ResponseWriter, device, name string) (store.Video, bool) {
	video, err := deps.Store.GetVideo(device, name)
	if err != nil {
		respondMissing(deps, w, device)
		return store.Video{}, false
	}

	if _, err := os.Stat(video.FilePath); err != nil {
		deps.Logger.Printf("[API] Backing file gone for %s/%s, resyncing", device, name)
		present := listDeviceFiles(deps.UploadDir, device)
		if p, err := deps.Store.Sync(device, present); err == nil && len(p) > 0 {
			deps.Hub.EmitPatch(device, p)
		}
		respondMissing(deps, w, device)
		return store.Video{}, false
	}

	return video, true
}

func respondMissing(deps Deps, w http.ResponseWriter, device string) {
	videos := deps.Store.DeviceVideos(device)
	names := make([]string, 0, len(videos))
	for _, v := range videos {
		names = append(names, v.FileName)
	}
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error":            "Video not found or session expired. Please upload the video again",
		"available_videos": names,
	})
}

func listDeviceFiles(uploadDir, device string) []string {
	entries, err := os.ReadDir(filepath.Join(uploadDir, device))
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}
