package controlplane

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
)

// countingCP wraps a Fake and counts GetLiveSpec round trips.
type countingCP struct {
	*Fake
	reads int
}

func (c *countingCP) GetLiveSpec(ctx context.Context, name model.CatalogName) (model.LiveSpec, bool, error) {
	c.reads++
	return c.Fake.GetLiveSpec(ctx, name)
}

var cachedTestStart = time.Date(2024, 8, 12, 10, 0, 0, 0, time.UTC)

func TestCachedAbsorbsRepeatReads(t *testing.T) {
	var live = model.LiveSpec{CatalogName: "acmeCo/bb", SpecType: model.CatalogTypeCollection, Model: []byte(`{}`)}
	var inner = &countingCP{Fake: NewFake(cachedTestStart, live)}

	var cp, err = NewCached(inner, 16, time.Minute)
	require.NoError(t, err)

	for i := 0; i != 5; i++ {
		var _, ok, err = cp.GetLiveSpec(context.Background(), live.CatalogName)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, 1, inner.reads, "repeat reads within the TTL hit the cache")

	// Expiring the TTL refreshes from the store.
	inner.Now = cachedTestStart.Add(2 * time.Minute)
	_, _, err = cp.GetLiveSpec(context.Background(), live.CatalogName)
	require.NoError(t, err)
	require.Equal(t, 2, inner.reads)
}

func TestCachedInvalidatesOnPublish(t *testing.T) {
	var live = model.LiveSpec{CatalogName: "acmeCo/bb", SpecType: model.CatalogTypeCollection, Model: []byte(`{}`), LastPubID: ids.ID(3)}
	var inner = &countingCP{Fake: NewFake(cachedTestStart, live)}

	var cp, err = NewCached(inner, 16, time.Minute)
	require.NoError(t, err)

	before, _, err := cp.GetLiveSpec(context.Background(), live.CatalogName)
	require.NoError(t, err)

	_, err = cp.PublishTouch(context.Background(), live.CatalogName, before.LastPubID)
	require.NoError(t, err)

	after, _, err := cp.GetLiveSpec(context.Background(), live.CatalogName)
	require.NoError(t, err)
	require.Greater(t, after.LastPubID, before.LastPubID,
		"a controller observes its own publication's effect")
}

func TestCachedNegativeEntries(t *testing.T) {
	var inner = &countingCP{Fake: NewFake(cachedTestStart)}
	var cp, err = NewCached(inner, 16, time.Minute)
	require.NoError(t, err)

	for i := 0; i != 3; i++ {
		var _, ok, err = cp.GetLiveSpec(context.Background(), "acmeCo/missing")
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.Equal(t, 1, inner.reads, "absence is cached too")
}
