package controlplane

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
)

// Cached decorates a ControlPlane with a bounded, short-TTL cache of
// live-spec reads. A notify storm wakes many controllers that all read
// the same changed dependency within one dequeue batch; the cache
// absorbs those repeat reads instead of round-tripping the store per
// controller. Writes (publications) pass through and invalidate the
// written name, so a controller that just published observes its own
// effect.
type Cached struct {
	ControlPlane
	TTL time.Duration

	specs *lru.Cache[model.CatalogName, cachedSpec]
}

type cachedSpec struct {
	spec model.LiveSpec
	ok   bool
	at   time.Time
}

// NewCached wraps cp with a live-spec cache of the given size and TTL.
func NewCached(cp ControlPlane, size int, ttl time.Duration) (*Cached, error) {
	var specs, err = lru.New[model.CatalogName, cachedSpec](size)
	if err != nil {
		return nil, fmt.Errorf("building live-spec cache: %w", err)
	}
	return &Cached{ControlPlane: cp, TTL: ttl, specs: specs}, nil
}

func (c *Cached) GetLiveSpec(ctx context.Context, name model.CatalogName) (model.LiveSpec, bool, error) {
	if hit, ok := c.specs.Get(name); ok && c.CurrentTime().Sub(hit.at) < c.TTL {
		return hit.spec, hit.ok, nil
	}
	var spec, ok, err = c.ControlPlane.GetLiveSpec(ctx, name)
	if err != nil {
		return model.LiveSpec{}, false, err
	}
	c.specs.Add(name, cachedSpec{spec: spec, ok: ok, at: c.CurrentTime()})
	return spec, ok, nil
}

func (c *Cached) PublishTouch(ctx context.Context, name model.CatalogName, expectPubID ids.ID) (PublishResult, error) {
	c.specs.Remove(name)
	return c.ControlPlane.PublishTouch(ctx, name, expectPubID)
}

func (c *Cached) PublishUpdate(ctx context.Context, name model.CatalogName, expectPubID ids.ID, update []byte, detail string) (PublishResult, error) {
	c.specs.Remove(name)
	return c.ControlPlane.PublishUpdate(ctx, name, expectPubID, update, detail)
}
