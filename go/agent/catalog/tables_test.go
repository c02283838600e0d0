package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/flow/go/agent/model"
)

func liveRow(name string, specType model.CatalogType) model.LiveSpec {
	return model.LiveSpec{CatalogName: model.CatalogName(name), SpecType: specType, Model: []byte(`{"live":true}`)}
}

func TestLiveSpecsLookup(t *testing.T) {
	var table = NewLiveSpecs([]model.LiveSpec{
		liveRow("acmeCo/cc", model.CatalogTypeCollection),
		liveRow("acmeCo/aa", model.CatalogTypeCapture),
		liveRow("acmeCo/bb", model.CatalogTypeCollection),
	})

	// Rows are sorted regardless of insertion order.
	var names []model.CatalogName
	for _, r := range table.All() {
		names = append(names, r.CatalogName)
	}
	require.Equal(t, []model.CatalogName{"acmeCo/aa", "acmeCo/bb", "acmeCo/cc"}, names)

	var row, ok = table.Get("acmeCo/bb")
	require.True(t, ok)
	require.Equal(t, model.CatalogTypeCollection, row.SpecType)

	_, ok = table.Get("acmeCo/zz")
	require.False(t, ok)
}

func TestLiveSpecsUpsert(t *testing.T) {
	var table = NewLiveSpecs(nil)
	table.Upsert(liveRow("acmeCo/bb", model.CatalogTypeCollection))
	table.Upsert(liveRow("acmeCo/aa", model.CatalogTypeCapture))
	require.Equal(t, 2, table.Len())

	var replacement = liveRow("acmeCo/aa", model.CatalogTypeCapture)
	replacement.LastPubID = 7
	table.Upsert(replacement)
	require.Equal(t, 2, table.Len())

	var row, _ = table.Get("acmeCo/aa")
	require.Equal(t, replacement.LastPubID, row.LastPubID)
}

func TestGetNamedIsAMergeJoin(t *testing.T) {
	var table = NewLiveSpecs([]model.LiveSpec{
		liveRow("acmeCo/aa", model.CatalogTypeCapture),
		liveRow("acmeCo/bb", model.CatalogTypeCollection),
		liveRow("acmeCo/cc", model.CatalogTypeCollection),
	})
	var got = table.GetNamed([]model.CatalogName{"acmeCo/cc", "acmeCo/aa", "acmeCo/zz"})
	require.Len(t, got, 2)
	require.Equal(t, model.CatalogName("acmeCo/aa"), got[0].CatalogName)
	require.Equal(t, model.CatalogName("acmeCo/cc"), got[1].CatalogName)
}

func TestMergeOverlaysDraftOntoLive(t *testing.T) {
	var live = NewLiveSpecs([]model.LiveSpec{
		liveRow("acmeCo/shared", model.CatalogTypeCollection),
		liveRow("acmeCo/live-only", model.CatalogTypeCollection),
	})
	var draft = NewDraftSpecs([]model.DraftSpec{
		{CatalogName: "acmeCo/shared", SpecType: model.CatalogTypeCollection, Model: []byte(`{"draft":true}`)},
		{CatalogName: "acmeCo/draft-only", SpecType: model.CatalogTypeCapture, Model: []byte(`{"new":true}`)},
		{CatalogName: "acmeCo/deleted", SpecType: model.CatalogTypeCollection, Model: nil},
	})

	var rows = Merge(live, draft)
	var byName = map[model.CatalogName]MergedRow{}
	for _, r := range rows {
		byName[r.CatalogName] = r
	}
	require.Len(t, rows, 4)

	var shared = byName["acmeCo/shared"]
	require.NotNil(t, shared.Live)
	require.NotNil(t, shared.Draft)
	require.JSONEq(t, `{"draft":true}`, string(shared.Model), "draft model wins")

	var liveOnly = byName["acmeCo/live-only"]
	require.Nil(t, liveOnly.Draft)
	require.JSONEq(t, `{"live":true}`, string(liveOnly.Model))

	var draftOnly = byName["acmeCo/draft-only"]
	require.Nil(t, draftOnly.Live)
	require.Equal(t, model.CatalogTypeCapture, draftOnly.SpecType)

	var deleted = byName["acmeCo/deleted"]
	require.NotNil(t, deleted.Draft)
	require.Nil(t, deleted.Model, "a nil draft model deletes the spec")
}
