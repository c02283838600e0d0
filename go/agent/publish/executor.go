package publish

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
	"github.com/estuary/flow/go/agent/tasks"
)

// TaskState is the inner state of a queued publication task.
type TaskState struct {
	DraftID ids.ID  `json:"draft_id"`
	UserID  string  `json:"user_id"`
	Detail  *string `json:"detail,omitempty"`
}

// Outcome is the message a finished publication task sends to its
// parent, if any.
type Outcome struct {
	PublicationID ids.ID                         `json:"publication_id"`
	Status        model.PublicationStatus        `json:"status"`
	Errors        []model.DraftError             `json:"errors,omitempty"`
	Incompatible  []model.IncompatibleCollection `json:"incompatible_collections,omitempty"`
}

// Executor runs queued publication tasks: it loads the task's draft,
// drives the Publisher end to end, reports the outcome to the task's
// parent, and deletes the consumed draft.
type Executor struct {
	Store   Store
	Publish func(ctx context.Context, req Request) (Result, error)
}

// Store is the narrow store surface the publication executor needs.
type Store interface {
	FetchDraftSpecs(ctx context.Context, draftID ids.ID) ([]model.DraftSpec, error)
	DeleteDraft(ctx context.Context, draftID ids.ID) error
	SendToTask(ctx context.Context, taskID, senderID ids.ID, payload []byte) error
}

// Poll executes one queued publication to its terminal status. A
// publication task never re-polls: it completes (and is deleted) in a
// single turn, with transient failures surfacing as an error so the
// lease expires and the task retries.
func (e *Executor) Poll(ctx context.Context, t model.Task) (tasks.PollResult, error) {
	var state TaskState
	if err := json.Unmarshal(t.State, &state); err != nil {
		return tasks.PollResult{}, fmt.Errorf("parsing publication task state: %w", err)
	}

	drafts, err := e.Store.FetchDraftSpecs(ctx, state.DraftID)
	if err != nil {
		return tasks.PollResult{}, err
	}

	result, err := e.Publish(ctx, Request{UserID: state.UserID, Drafts: drafts, Detail: state.Detail})
	if err != nil {
		return tasks.PollResult{}, err
	}

	log.WithFields(log.Fields{
		"task_id":  t.ID,
		"pub_id":   result.ID,
		"draft_id": state.DraftID,
		"status":   result.Status,
	}).Info("publication completed")

	if t.ParentID != nil {
		var payload, merr = json.Marshal(Outcome{
			PublicationID: result.ID,
			Status:        result.Status,
			Errors:        result.Errors,
			Incompatible:  result.Incompatible,
		})
		if merr != nil {
			return tasks.PollResult{}, fmt.Errorf("marshalling publication outcome: %w", merr)
		}
		if err := e.Store.SendToTask(ctx, *t.ParentID, t.ID, payload); err != nil {
			return tasks.PollResult{}, err
		}
	}

	if err := e.Store.DeleteDraft(ctx, state.DraftID); err != nil {
		log.WithField("draft_id", state.DraftID).WithError(err).Warn("failed to delete consumed draft")
	}
	return tasks.PollResult{Done: true}, nil
}
