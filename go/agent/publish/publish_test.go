package publish

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/flow/go/agent/catalog"
	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
	"github.com/estuary/flow/go/agent/store"
	"github.com/estuary/flow/go/agent/validate"
)

func newPublisher(st store.Store) *Publisher {
	return &Publisher{
		Store: st,
		IDs:   ids.NewGenerator(1),
		Validator: &validate.Validator{
			Connectors: nil,
			StorageMappings: func(tenant string) (validate.StorageMapping, bool) {
				return validate.StorageMapping{Prefix: tenant, Stores: []string{"s3://bucket/"}}, true
			},
			InferredSchemas: func(model.CatalogName) (model.InferredSchema, bool) { return model.InferredSchema{}, false },
		},
	}
}

func TestEmptyDraftIsEmptyDraft(t *testing.T) {
	var p = newPublisher(store.NewFake())
	var result, err = p.Publish(context.Background(), Request{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, model.PublicationEmptyDraft, result.Status)
}

func TestNewCaptureCommitsAndBumpsLastPubID(t *testing.T) {
	var st = store.NewFake()
	var p = newPublisher(st)

	var result, err = p.Publish(context.Background(), Request{
		UserID: "u1",
		Drafts: []model.DraftSpec{{
			CatalogName: "acmeCo/source-foo",
			SpecType:    model.CatalogTypeCapture,
			Model:       []byte(`{"bindings":[]}`),
		}},
	})
	require.NoError(t, err)
	require.Equal(t, model.PublicationSuccess, result.Status)

	var live, ok = st.LiveSpecs["acmeCo/source-foo"]
	require.True(t, ok)
	require.Equal(t, result.ID, live.LastPubID)
	require.Greater(t, uint64(live.LastBuildID), uint64(result.ID), "the build id is minted after the publication id")
}

func TestTouchPublicationPreservesLastPubID(t *testing.T) {
	var st = store.NewFake()
	var p = newPublisher(st)

	var first, err = p.Publish(context.Background(), Request{
		UserID: "u1",
		Drafts: []model.DraftSpec{{
			CatalogName: "acmeCo/x",
			SpecType:    model.CatalogTypeCollection,
			Model:       []byte(`{"schema":{},"key":["/id"]}`),
		}},
	})
	require.NoError(t, err)
	require.Equal(t, model.PublicationSuccess, first.Status)

	var live = st.LiveSpecs["acmeCo/x"]

	var second, err2 = p.Publish(context.Background(), Request{
		UserID: "u1",
		Drafts: []model.DraftSpec{{
			CatalogName: "acmeCo/x",
			SpecType:    model.CatalogTypeCollection,
			Model:       live.Model,
			ExpectPubID: &live.LastPubID,
			IsTouch:     true,
		}},
	})
	require.NoError(t, err2)
	require.Equal(t, model.PublicationSuccess, second.Status)

	var after = st.LiveSpecs["acmeCo/x"]
	require.Equal(t, live.LastPubID, after.LastPubID, "touch publication must not advance last_pub_id")
	require.NotEqual(t, live.LastBuildID, after.LastBuildID, "touch publication must advance last_build_id")
}

func TestExpectPubIDMismatchFailsPublication(t *testing.T) {
	var st = store.NewFake()
	st.LiveSpecs["acmeCo/x"] = model.LiveSpec{
		ID: 1, CatalogName: "acmeCo/x", SpecType: model.CatalogTypeCollection,
		Model: []byte(`{}`), LastPubID: 5,
	}
	var p = newPublisher(st)

	var stale = ids.ID(1)
	var result, err = p.Publish(context.Background(), Request{
		UserID: "u1",
		Drafts: []model.DraftSpec{{
			CatalogName: "acmeCo/x",
			SpecType:    model.CatalogTypeCollection,
			Model:       []byte(`{"changed":true}`),
			ExpectPubID: &stale,
		}},
	})
	require.NoError(t, err)
	require.Equal(t, model.PublicationPublishFailed, result.Status)
	require.Len(t, result.Errors, 1)
}

// TestQuotaExceeded: tenant usageB/ with tasks_quota=2 and two existing
// captures; a third capture draft must be rejected, naming the tenant
// and delta.
func TestQuotaExceeded(t *testing.T) {
	var st = store.NewFake()
	var p = newPublisher(st)
	p.Quotas = func(_ context.Context, tenant string) (model.Quota, TenantUsage, error) {
		return model.Quota{Tenant: tenant, QuotaTasks: 2, QuotaCollections: 2}, TenantUsage{Tasks: 2, Collections: 2}, nil
	}

	var result, err = p.Publish(context.Background(), Request{
		UserID: "u1",
		Drafts: []model.DraftSpec{{
			CatalogName: "usageB/source-c",
			SpecType:    model.CatalogTypeCapture,
			Model:       []byte(`{"bindings":[]}`),
		}},
	})
	require.NoError(t, err)
	require.Equal(t, model.PublicationQuotaExceeded, result.Status)
	require.Len(t, result.Errors, 1)
	require.Equal(t,
		"Request to add 1 task(s) would exceed tenant 'usageB/' quota of 2. 2 are currently in use.",
		result.Errors[0].Detail)
}

func TestForbiddenWhenAuthorizeFails(t *testing.T) {
	var st = store.NewFake()
	var p = newPublisher(st)
	p.Authorize = func(context.Context, string, []model.CatalogName) error {
		return context.DeadlineExceeded
	}

	var result, err = p.Publish(context.Background(), Request{
		UserID: "u1",
		Drafts: []model.DraftSpec{{CatalogName: "acmeCo/x", SpecType: model.CatalogTypeCollection, Model: []byte(`{}`)}},
	})
	require.NoError(t, err)
	require.Equal(t, model.PublicationForbidden, result.Status)
}

func TestBuilderAndTestStepAreInvoked(t *testing.T) {
	var st = store.NewFake()
	var p = newPublisher(st)

	var persisted bool
	p.Builder = persisterFunc(func(context.Context, ids.ID, *catalog.BuiltCatalog) (string, error) {
		persisted = true
		return "", nil
	})
	var tested bool
	p.Test = func(context.Context, *catalog.BuiltCatalog) error {
		tested = true
		return nil
	}

	var _, err = p.Publish(context.Background(), Request{
		UserID: "u1",
		Drafts: []model.DraftSpec{{CatalogName: "acmeCo/x", SpecType: model.CatalogTypeCollection, Model: []byte(`{}`)}},
	})
	require.NoError(t, err)
	require.True(t, persisted)
	require.True(t, tested)
}

func TestActivationFailureDoesNotFailPublication(t *testing.T) {
	var st = store.NewFake()
	var p = newPublisher(st)
	p.Activator = ActivatorFunc(func(context.Context, ids.ID, *catalog.BuiltCatalog) error {
		return context.DeadlineExceeded
	})

	var result, err = p.Publish(context.Background(), Request{
		UserID: "u1",
		Drafts: []model.DraftSpec{{CatalogName: "acmeCo/x", SpecType: model.CatalogTypeCollection, Model: []byte(`{}`)}},
	})
	require.NoError(t, err)
	require.Equal(t, model.PublicationSuccess, result.Status)
}

func TestDryRunTestsWithoutCommitting(t *testing.T) {
	var st = store.NewFake()
	var p = newPublisher(st)
	var tested bool
	p.Test = func(context.Context, *catalog.BuiltCatalog) error {
		tested = true
		return nil
	}

	var result, err = p.Publish(context.Background(), Request{
		UserID: "u1",
		DryRun: true,
		Drafts: []model.DraftSpec{{CatalogName: "acmeCo/x", SpecType: model.CatalogTypeCollection, Model: []byte(`{}`)}},
	})
	require.NoError(t, err)
	require.Equal(t, model.PublicationSuccess, result.Status)
	require.True(t, tested)
	require.Empty(t, st.LiveSpecs, "a dry run must not commit")
}

func TestFailedPublicationRecordsItsRow(t *testing.T) {
	var st = store.NewFake()
	var p = newPublisher(st)
	p.Quotas = func(_ context.Context, tenant string) (model.Quota, TenantUsage, error) {
		return model.Quota{Tenant: tenant}, TenantUsage{Tasks: 1}, nil
	}

	var result, err = p.Publish(context.Background(), Request{
		UserID: "u1",
		Drafts: []model.DraftSpec{{CatalogName: "acmeCo/source-x", SpecType: model.CatalogTypeCapture, Model: []byte(`{}`)}},
	})
	require.NoError(t, err)
	require.Equal(t, model.PublicationQuotaExceeded, result.Status)

	require.Len(t, st.Publications, 1)
	require.Equal(t, result.ID, st.Publications[0].ID)
	require.Equal(t, model.PublicationQuotaExceeded, st.Publications[0].Status)
	require.NotNil(t, st.Publications[0].CompletedAt)
}

func TestSuccessfulPublicationWakesControllers(t *testing.T) {
	var st = store.NewFake()
	var p = newPublisher(st)

	var result, err = p.Publish(context.Background(), Request{
		UserID: "u1",
		Drafts: []model.DraftSpec{{CatalogName: "acmeCo/x", SpecType: model.CatalogTypeCollection, Model: []byte(`{}`)}},
	})
	require.NoError(t, err)
	require.Equal(t, model.PublicationSuccess, result.Status)

	var live = st.LiveSpecs["acmeCo/x"]
	var task, ok = st.Tasks[live.ID]
	require.True(t, ok, "commit creates the touched spec's controller task")
	require.Equal(t, model.TaskTypeController, task.Type)
	require.Len(t, task.Inbox, 1, "and wakes it with a send")
}

func TestFlowEdgesAreDerivedFromBindings(t *testing.T) {
	var st = store.NewFake()
	var p = newPublisher(st)

	var result, err = p.Publish(context.Background(), Request{
		UserID: "u1",
		Drafts: []model.DraftSpec{
			{
				CatalogName: "acmeCo/source-foo",
				SpecType:    model.CatalogTypeCapture,
				Model:       []byte(`{"bindings":[{"resource":{},"target":"acmeCo/anvils"}]}`),
			},
			{
				CatalogName: "acmeCo/anvils",
				SpecType:    model.CatalogTypeCollection,
				Model:       []byte(`{"key":["/id"]}`),
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, model.PublicationSuccess, result.Status)

	require.Len(t, st.Edges, 1)
	require.Equal(t, model.FlowTypeCapture, st.Edges[0].FlowType)
	require.Equal(t, st.LiveSpecs["acmeCo/source-foo"].ID, st.Edges[0].SourceID)
	require.Equal(t, st.LiveSpecs["acmeCo/anvils"].ID, st.Edges[0].TargetID)
}

func TestNewCollectionIsAssignedAGeneration(t *testing.T) {
	var st = store.NewFake()
	var p = newPublisher(st)

	var result, err = p.Publish(context.Background(), Request{
		UserID: "u1",
		Drafts: []model.DraftSpec{{
			CatalogName: "acmeCo/anvils",
			SpecType:    model.CatalogTypeCollection,
			Model:       []byte(`{"key":["/id"]}`),
		}},
	})
	require.NoError(t, err)
	require.Equal(t, model.PublicationSuccess, result.Status)

	var live = st.LiveSpecs["acmeCo/anvils"]
	var built struct {
		GenerationID ids.ID `json:"generationId"`
	}
	require.NoError(t, json.Unmarshal(live.BuiltSpec, &built))
	require.Equal(t, result.ID, built.GenerationID,
		"a new collection's generation is the creating publication")

	// A compatible republish carries the generation forward.
	second, err := p.Publish(context.Background(), Request{
		UserID: "u1",
		Drafts: []model.DraftSpec{{
			CatalogName: "acmeCo/anvils",
			SpecType:    model.CatalogTypeCollection,
			Model:       []byte(`{"key":["/id"],"schema":{"widened":true}}`),
		}},
	})
	require.NoError(t, err)
	require.Equal(t, model.PublicationSuccess, second.Status)

	var after = st.LiveSpecs["acmeCo/anvils"]
	require.NoError(t, json.Unmarshal(after.BuiltSpec, &built))
	require.Equal(t, result.ID, built.GenerationID)
}

type persisterFunc func(context.Context, ids.ID, *catalog.BuiltCatalog) (string, error)

func (f persisterFunc) Persist(ctx context.Context, buildID ids.ID, built *catalog.BuiltCatalog) (string, error) {
	return f(ctx, buildID, built)
}
