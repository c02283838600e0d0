// Package controllers implements the per-spec reconciliation loops: one
// controller per live spec, each consuming a model.ControllerState and
// producing a next-run decision plus a mutated status. Dispatch is by
// catalog type, one exported controller type per variant of the status
// union, rather than a shared base "controller" object.
package controllers

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/flow/go/agent/controlplane"
	"github.com/estuary/flow/go/agent/model"
)

// Controller is the per-CatalogType reconciliation loop. Poll reads the
// controller's own LiveSpec and whatever dependencies it needs through
// cp, mutates state.Current in place, and returns the next scheduled
// wake-up. A nil wake-up means no scheduled run; the controller still
// wakes on dependent notifications.
type Controller interface {
	Poll(ctx context.Context, cp controlplane.ControlPlane, state *model.ControllerState) (*time.Time, error)
}

// Version is stamped onto ControllerState.ControllerVersion by each run,
// so a future migration can detect and upgrade stale persisted statuses.
const Version = 1

// Run drives one controller poll to completion, converting a panic into
// a failure increment, and applies the common success/failure
// bookkeeping: on success, Failures resets to 0 and Error is cleared; on
// failure, Failures increments and NextRun is set to now +
// Backoff(Failures).
func Run(ctx context.Context, ctrl Controller, cp controlplane.ControlPlane, state *model.ControllerState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"catalog_name": state.CatalogName, "panic": r}).Error("controller panicked")
			recordFailure(cp, state, fmt.Errorf("controller panicked: %v", r))
		}
	}()

	var next *time.Time
	next, err = ctrl.Poll(ctx, cp, state)
	if err != nil {
		log.WithFields(log.Fields{
			"catalog_name": state.CatalogName,
			"failures":     state.Failures + 1,
		}).WithError(err).Warn("controller poll failed")
		recordFailure(cp, state, err)
		return nil
	}

	state.Failures = 0
	state.Error = nil
	state.NextRun = next
	state.ControllerVersion = Version
	state.UpdatedAt = cp.CurrentTime()
	return nil
}

func recordFailure(cp controlplane.ControlPlane, state *model.ControllerState, cause error) {
	state.Failures++
	var msg = cause.Error()
	state.Error = &msg
	var wake = cp.CurrentTime().Add(Backoff(state.Failures))
	state.NextRun = &wake
	state.ControllerVersion = Version
	state.UpdatedAt = cp.CurrentTime()
}

// Backoff computes the controller retry delay for the given failure
// count: monotone, roughly doubling, bounded, and reset to zero by a
// successful run.
func Backoff(failures int) time.Duration {
	switch {
	case failures <= 0:
		return 0
	case failures == 1:
		return time.Minute
	case failures == 2:
		return 16 * time.Minute
	case failures == 3:
		return 3*time.Hour + 30*time.Minute
	default:
		return 4 * time.Hour
	}
}

// publicationHistory returns the shared PublicationStatusHistory embedded
// in whichever Status variant is set, since every variant carries one.
func publicationHistory(s *model.Status) (*model.PublicationStatusHistory, error) {
	switch s.CatalogType() {
	case model.CatalogTypeCapture:
		return &s.Capture.Publications, nil
	case model.CatalogTypeCollection:
		return &s.Collection.Publications, nil
	case model.CatalogTypeMaterialization:
		return &s.Materialization.Publications, nil
	case model.CatalogTypeTest:
		return &s.Test.Publications, nil
	default:
		return nil, fmt.Errorf("uninitialized controller status has no publication history")
	}
}

// activationStatus returns the shared ActivationStatus embedded in every
// Status variant except Test (tests have no data-plane activation).
func activationStatus(s *model.Status) (*model.ActivationStatus, bool) {
	switch s.CatalogType() {
	case model.CatalogTypeCapture:
		return &s.Capture.Activation, true
	case model.CatalogTypeCollection:
		return &s.Collection.Activation, true
	case model.CatalogTypeMaterialization:
		return &s.Materialization.Activation, true
	default:
		return nil, false
	}
}

// recordPublication appends result onto status's history ring buffer and
// advances ControllerState.LastPubID on success.
func recordPublication(state *model.ControllerState, history *model.PublicationStatusHistory, isTouch bool, now time.Time, result controlplane.PublishResult) {
	history.PushFront(model.PublicationInfo{
		ID:           result.PublicationID,
		Completed:    &now,
		Errors:       result.Errors,
		Incompatible: result.Incompatible,
		Result:       result.Status,
		IsTouch:      isTouch,
	})
	if result.Status == model.PublicationSuccess {
		state.LastPubID = result.PublicationID
		if result.PublicationID > history.MaxObservedPubID {
			history.MaxObservedPubID = result.PublicationID
		}
	}
}

// reconcileActivation compares state.LastBuildID to the recorded
// last_activated build and, if they differ, re-activates via cp and
// records the outcome. Returns whether a re-activation was attempted.
func reconcileActivation(ctx context.Context, cp controlplane.ControlPlane, state *model.ControllerState) (bool, error) {
	var activation, ok = activationStatus(&state.Current)
	if !ok {
		return false, nil
	}
	if activation.LastActivated == state.LastBuildID {
		return false, nil
	}
	if err := cp.Activate(ctx, state.CatalogName); err != nil {
		return true, fmt.Errorf("activating build %s: %w", state.LastBuildID, err)
	}
	activation.LastActivated = state.LastBuildID
	return true, nil
}

// dependencyHash computes a deterministic digest over the current models
// of deps, in sorted name order: cycle-safe because it hashes each
// dependency's model as-is and never chases its edges further.
func dependencyHash(ctx context.Context, cp controlplane.ControlPlane, deps []model.CatalogName) (string, error) {
	var sorted = append([]model.CatalogName(nil), deps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var h = md5.New()
	for _, name := range sorted {
		var spec, ok, err = cp.GetLiveSpec(ctx, name)
		if err != nil {
			return "", fmt.Errorf("fetching dependency %s: %w", name, err)
		}
		h.Write([]byte(name))
		if ok {
			h.Write(spec.Model)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// dependencyBuildFingerprint digests the identity of each dependency's
// current build: its last_build_id and stamped generation, in sorted
// name order. Unlike dependencyHash, it changes on build-only events
// (touch publications, inferred-schema widenings, recreations) whose
// Model bytes are unchanged.
func dependencyBuildFingerprint(ctx context.Context, cp controlplane.ControlPlane, deps []model.CatalogName) (string, error) {
	var sorted = append([]model.CatalogName(nil), deps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var h = md5.New()
	for _, name := range sorted {
		var spec, ok, err = cp.GetLiveSpec(ctx, name)
		if err != nil {
			return "", fmt.Errorf("fetching dependency %s: %w", name, err)
		}
		h.Write([]byte(name))
		if ok {
			h.Write([]byte(spec.LastBuildID.String()))
			h.Write([]byte(builtGeneration(spec.BuiltSpec).String()))
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// reconcileDependencyHash recomputes the dependency hash over deps and,
// if it differs from the stored hash, publishes a touch of self so the
// built artifact is refreshed against the changed dependencies. Returns
// whether a touch was published.
func reconcileDependencyHash(ctx context.Context, cp controlplane.ControlPlane, state *model.ControllerState, deps []model.CatalogName) (bool, error) {
	var newHash, err = dependencyHash(ctx, cp, deps)
	if err != nil {
		return false, err
	}
	return reconcileDependencyFingerprint(ctx, cp, state, newHash)
}

// reconcileDependencyFingerprint touch-publishes self when fingerprint
// differs from the stored one, recording the new fingerprint only once
// that publication succeeds. Returns whether a touch was published.
func reconcileDependencyFingerprint(ctx context.Context, cp controlplane.ControlPlane, state *model.ControllerState, fingerprint string) (bool, error) {
	var history, err = publicationHistory(&state.Current)
	if err != nil {
		return false, err
	}
	if history.DependencyHash != nil && *history.DependencyHash == fingerprint {
		return false, nil
	}

	var result controlplane.PublishResult
	result, err = cp.PublishTouch(ctx, state.CatalogName, state.LastPubID)
	if err != nil {
		return false, fmt.Errorf("touch-publishing %s after dependency change: %w", state.CatalogName, err)
	}
	recordPublication(state, history, true, cp.CurrentTime(), result)
	if result.Status == model.PublicationSuccess {
		history.DependencyHash = &fingerprint
	}
	return true, nil
}
