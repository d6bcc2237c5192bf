package reconciler

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"labassist/internal/analysis"
	"labassist/internal/jobs"
	"labassist/internal/patch"
	"labassist/internal/store"
)

// StatusQuerier reports the state of a tracked job.
type StatusQuerier interface {
	Status(id string) (jobs.State, json.RawMessage, error)
}

// PatchEmitter pushes a patch to a device's real-time channel.
type PatchEmitter interface {
	EmitPatch(deviceID string, p patch.Patch)
}

// Status labels shown to the device for each job state.
const (
	statusQueued     = "queued"
	statusPredicting = "predicting"
	statusComplete   = "complete"
	statusWarnings   = "warnings-present"
)

// Reconciler keeps a device's view of its in-flight analysis jobs current.
// One session runs per authenticated device connection; each tick it polls
// job status, folds the outcome into the store and pushes the resulting
// patch to the device's channel.
type Reconciler struct {
	store    *store.Store
	jobs     StatusQuerier
	emitter  PatchEmitter
	interval time.Duration
	logger   *log.Logger
}

// New creates a Reconciler polling at the given interval (<= 0 defaults to
// one second).
func New(st *store.Store, querier StatusQuerier, emitter PatchEmitter, interval time.Duration, logger *log.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Reconciler{
		store:    st,
		jobs:     querier,
		emitter:  emitter,
		interval: interval,
		logger:   logger,
	}
}

// Run polls for the device until ctx is cancelled. It is bound to the
// device's connection lifecycle: cancelling the context (on disconnect)
// stops the loop without affecting in-flight jobs.
func (r *Reconciler) Run(ctx context.Context, deviceID string) {
	r.logger.Printf("[Reconciler] Session started for device %s", deviceID)
	defer r.logger.Printf("[Reconciler] Session stopped for device %s", deviceID)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileOnce(deviceID)
		}
	}
}

// ReconcileOnce performs one polling iteration for a device. Running it
// again after a job reached a terminal state is a no-op: the handle was
// deregistered the first time.
func (r *Reconciler) ReconcileOnce(deviceID string) {
	tasks := r.store.ActiveTasks(deviceID)
	if len(tasks) == 0 {
		return
	}

	before := r.store.DeviceVideos(deviceID)
	for videoName, jobID := range tasks {
		r.reconcileJob(deviceID, videoName, jobID)
	}
	after := r.store.DeviceVideos(deviceID)

	if p := store.Diff(before, after); len(p) > 0 {
		r.emitter.EmitPatch(deviceID, p)
	}
}

func (r *Reconciler) reconcileJob(deviceID, videoName, jobID string) {
	state, result, err := r.jobs.Status(jobID)
	if err != nil {
		// A job we cannot query is a job we cannot complete.
		r.logger.Printf("[Reconciler] Status query failed for job %s (%s/%s): %v", jobID, deviceID, videoName, err)
		state = jobs.StateFailed
	}

	if _, err := r.store.ClearStatus(deviceID, videoName); err != nil {
		// Video vanished while its job was in flight; drop the handle.
		r.logger.Printf("[Reconciler] %s/%s gone, deregistering job %s: %v", deviceID, videoName, jobID, err)
		r.store.RemoveTask(deviceID, videoName)
		return
	}
	r.store.AddStatus(deviceID, videoName, StatusLabel(state))

	switch state {
	case jobs.StatePending, jobs.StateRunning:
		// A video mid-analysis shows no findings.
		r.store.ClearAnnotations(deviceID, videoName)
	case jobs.StateDone:
		// Claim the handle before folding: concurrent sessions for the
		// same device (a reconnect racing the old socket's teardown) may
		// both observe the terminal state, but only one wins the claim.
		claimed, err := r.store.RemoveTask(deviceID, videoName)
		if err != nil {
			r.logger.Printf("[Reconciler] Deregistering job %s (%s/%s): %v", jobID, deviceID, videoName, err)
			return
		}
		if !claimed {
			return
		}
		annotations, err := analysis.DecodeAnnotations(result)
		if err != nil {
			r.logger.Printf("[Reconciler] Bad result for job %s (%s/%s): %v", jobID, deviceID, videoName, err)
		}
		for _, a := range annotations {
			if _, err := r.store.AddAnnotation(deviceID, videoName, a); err != nil {
				r.logger.Printf("[Reconciler] Dropping annotation for %s/%s: %v", deviceID, videoName, err)
			}
		}
	case jobs.StateFailed:
		r.store.RemoveTask(deviceID, videoName)
	}
}

// StatusLabel maps a job state to the status label devices display.
func StatusLabel(state jobs.State) string {
	switch state {
	case jobs.StatePending:
		return statusQueued
	case jobs.StateRunning:
		return statusPredicting
	case jobs.StateDone:
		return statusComplete
	default:
		return statusWarnings
	}
}
