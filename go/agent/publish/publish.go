// Package publish implements the publisher: it orchestrates dependency
// expansion, validation, build, test, activation, and commit inside a
// single publication, turning a user draft into a committed, activated
// catalog change.
package publish

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/flow/go/agent/activate"
	"github.com/estuary/flow/go/agent/catalog"
	"github.com/estuary/flow/go/agent/expand"
	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
	"github.com/estuary/flow/go/agent/store"
	"github.com/estuary/flow/go/agent/validate"
)

// Request is a publication's inputs: a user, a set of proposed draft spec
// changes, and an optional human detail string recorded on the
// Publication row.
type Request struct {
	UserID string
	Drafts []model.DraftSpec
	Detail *string
	// DryRun runs the pipeline through build and test, then stops
	// without persisting an artifact or committing. Used by the CLI's
	// test command.
	DryRun bool
}

// Result mirrors the fields of model.Publication a caller needs without
// re-fetching the row, plus the detail.
type Result struct {
	ID           ids.ID
	Status       model.PublicationStatus
	Errors       []model.DraftError
	Incompatible []model.IncompatibleCollection
	Detail       *string
}

// Activator is handed a successful build to synchronize into the data
// plane. Activation errors never roll back a commit; they are the
// owning controller's job to retry.
type Activator interface {
	Activate(ctx context.Context, buildID ids.ID, built *catalog.BuiltCatalog) error
}

// ActivatorFunc adapts a plain function to Activator.
type ActivatorFunc func(ctx context.Context, buildID ids.ID, built *catalog.BuiltCatalog) error

func (f ActivatorFunc) Activate(ctx context.Context, buildID ids.ID, built *catalog.BuiltCatalog) error {
	return f(ctx, buildID, built)
}

// Persister serializes a successful build into a durable,
// content-addressed artifact.
type Persister interface {
	Persist(ctx context.Context, buildID ids.ID, built *catalog.BuiltCatalog) (path string, err error)
}

// TenantUsage is a tenant's current resource counts, excluding
// disabled tasks, compared against model.Quota before validation.
type TenantUsage struct {
	Tasks       int
	Collections int
}

// QuotaLookup resolves a tenant's configured quota and current usage.
type QuotaLookup func(ctx context.Context, tenant string) (model.Quota, TenantUsage, error)

// Tester runs the catalog's tests against a temporary data plane seeded
// from built, returning a non-nil error (with a message suitable for a
// draft error) on any test failure. A nil Tester skips the step.
type Tester func(ctx context.Context, built *catalog.BuiltCatalog) error

// Authorizer checks that userID may publish every name in names.
// Returning an error fails the publication with PublicationForbidden.
type Authorizer func(ctx context.Context, userID string, names []model.CatalogName) error

// Publisher drives one publication end to end: expand, validate,
// build, test, commit, activate, notify.
type Publisher struct {
	Store     store.Store
	IDs       *ids.Generator
	Authorize Authorizer
	Quotas    QuotaLookup
	Validator *validate.Validator
	Builder   Persister
	Activator Activator
	Test      Tester
	// Timeout bounds one publication end to end; exceeding it records a
	// publish_failed outcome. Zero means no bound.
	Timeout time.Duration
}

// Publish runs the full pipeline for req and returns its terminal
// Result. Any step failing short-circuits with the matching terminal
// status; only a successful run through the commit step mutates live
// specs. Terminal failures still record their Publication row for
// audit.
func (p *Publisher) Publish(ctx context.Context, req Request) (Result, error) {
	var pubID = p.IDs.Next()
	var now = time.Now().UTC()

	if p.Timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	var result, err = p.publish(ctx, req, pubID, now)
	if errors.Is(err, context.DeadlineExceeded) {
		result, err = fail(pubID, model.PublicationPublishFailed, "publication timed out"), nil
	}
	if err != nil {
		return Result{}, err
	}
	if result.Status != model.PublicationSuccess {
		var completed = time.Now().UTC()
		var uid, _ = uuid.Parse(req.UserID)
		if rerr := p.Store.RecordPublication(ctx, model.Publication{
			ID:           result.ID,
			UserID:       uid,
			DraftID:      firstDraftID(req.Drafts),
			Status:       result.Status,
			Errors:       result.Errors,
			Incompatible: result.Incompatible,
			Detail:       result.Detail,
			LogsToken:    uuid.New(),
			CreatedAt:    now,
			CompletedAt:  &completed,
		}); rerr != nil {
			log.WithField("pub_id", result.ID).WithError(rerr).Error("failed to record publication outcome")
		}
	}
	return result, nil
}

func (p *Publisher) publish(ctx context.Context, req Request, pubID ids.ID, now time.Time) (Result, error) {
	var logger = log.WithField("pub_id", pubID)

	if len(req.Drafts) == 0 {
		return Result{ID: pubID, Status: model.PublicationEmptyDraft}, nil
	}

	var draftNames = make([]model.CatalogName, 0, len(req.Drafts))
	for _, d := range req.Drafts {
		draftNames = append(draftNames, d.CatalogName)
	}

	// Step 1 (partial): authorize the directly-drafted names up front;
	// the expanded set is authorized once it is known, below.
	if p.Authorize != nil {
		if err := p.Authorize(ctx, req.UserID, draftNames); err != nil {
			return fail(pubID, model.PublicationForbidden, err.Error()), nil
		}
	}

	// Step 1/2: expand and fetch live. ResolveExpandedRows hydrates the
	// full flow graph (every live spec and flow edge, not scoped to the
	// user); the seed ids are looked up from it by catalog name.
	var allLive, edges, err = p.Store.ResolveExpandedRows(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("resolving expanded rows: %w", err)
	}
	var liveTable = catalog.NewLiveSpecs(allLive)

	var specTypes = make(map[ids.ID]model.CatalogType, len(allLive))
	var idByName = make(map[model.CatalogName]ids.ID, len(allLive))
	for _, l := range allLive {
		specTypes[l.ID] = l.SpecType
		idByName[l.CatalogName] = l.ID
	}

	var seedIDs []ids.ID
	for _, name := range draftNames {
		if id, ok := idByName[name]; ok {
			seedIDs = append(seedIDs, id)
		}
	}

	var graph = expand.NewGraph(specTypes, edges)
	var expandedIDs = graph.Expand(seedIDs)

	var nameByID = make(map[ids.ID]model.CatalogName, len(allLive))
	for _, l := range allLive {
		nameByID[l.ID] = l.CatalogName
	}
	var allNames = append([]model.CatalogName(nil), draftNames...)
	for _, id := range expandedIDs {
		allNames = append(allNames, nameByID[id])
	}
	sort.Slice(allNames, func(i, j int) bool { return allNames[i] < allNames[j] })
	allNames = dedupeNames(allNames)

	if p.Authorize != nil {
		if err := p.Authorize(ctx, req.UserID, allNames); err != nil {
			return fail(pubID, model.PublicationForbidden, err.Error()), nil
		}
	}

	if err := p.Store.LockSpecs(ctx, allNames); err != nil {
		return Result{}, fmt.Errorf("locking live specs: %w", err)
	}

	// Step 3: merge and prune.
	var expandedLive = liveTable.GetNamed(allNames)
	var draftTable = catalog.NewDraftSpecs(req.Drafts)
	var merged = catalog.Merge(catalog.NewLiveSpecs(expandedLive), draftTable)

	if draftErrs := checkTouchAndExpectPubID(merged); len(draftErrs) > 0 {
		return failWithErrors(pubID, model.PublicationPublishFailed, draftErrs), nil
	}

	// Step 4: quota check.
	if p.Quotas != nil {
		if draftErrs := p.checkQuota(ctx, merged); len(draftErrs) > 0 {
			return failWithErrors(pubID, model.PublicationQuotaExceeded, draftErrs), nil
		}
	}

	// Step 5: build.
	var built = p.Validator.Validate(ctx, merged)
	if built.HasErrors() {
		return Result{
			ID:           pubID,
			Status:       model.PublicationBuildFailed,
			Errors:       built.DraftErrors(),
			Incompatible: built.Incompatibilities(),
		}, nil
	}

	assignCollectionGenerations(built, liveTable, pubID)

	// Step 6: persist artifact.
	var buildID = p.IDs.Next()
	if req.DryRun {
		if p.Test != nil {
			if err := p.Test(ctx, built); err != nil {
				return fail(pubID, model.PublicationPublishFailed, "test failed: "+err.Error()), nil
			}
		}
		return Result{ID: pubID, Status: model.PublicationSuccess, Detail: req.Detail}, nil
	}
	if p.Builder != nil {
		if _, err := p.Builder.Persist(ctx, buildID, built); err != nil {
			return fail(pubID, model.PublicationPublishFailed, err.Error()), nil
		}
	}

	// Step 7: test.
	if p.Test != nil {
		if err := p.Test(ctx, built); err != nil {
			return fail(pubID, model.PublicationPublishFailed, "test failed: "+err.Error()), nil
		}
	}

	// Step 8: commit.
	var touchOnly = isTouchOnly(draftTable)
	var specs = commitRows(merged, built, p.IDs, buildID, pubID, now, touchOnly)

	// Newly-created rows were just assigned ids; fold them over the
	// pre-existing name index before deriving edges.
	for _, spec := range specs {
		idByName[spec.CatalogName] = spec.ID
	}
	var newEdges = edgesFromBuilt(built.Specs, idByName)

	var completed = time.Now().UTC()
	var uid, _ = uuid.Parse(req.UserID)
	var pub = model.Publication{
		ID:          pubID,
		UserID:      uid,
		DraftID:     firstDraftID(req.Drafts),
		Status:      model.PublicationSuccess,
		Detail:      req.Detail,
		LogsToken:   uuid.New(),
		CreatedAt:   now,
		CompletedAt: &completed,
	}
	if err := p.Store.CommitPublication(ctx, pub, specs, newEdges); err != nil {
		return Result{}, fmt.Errorf("committing publication %s: %w", pubID, err)
	}

	// Step 9: activate. Errors never roll back the commit; they are
	// recorded for the owning controller to retry.
	if p.Activator != nil {
		if err := p.Activator.Activate(ctx, buildID, built); err != nil {
			logger.WithError(err).Warn("activation failed, will be retried by the controller")
		}
	}

	// Step 10: wake the controller of every touched spec, and notify
	// dependents of each.
	for _, spec := range specs {
		if err := p.Store.CreateTask(ctx, spec.ID, model.TaskTypeController, nil); err != nil {
			logger.WithError(err).WithField("catalog_name", spec.CatalogName).Warn("failed to create controller task")
		}
		if err := p.Store.SendToTask(ctx, spec.ID, pubID, nil); err != nil {
			logger.WithError(err).WithField("catalog_name", spec.CatalogName).Warn("failed to wake controller")
		}
		if err := p.Store.NotifyDependents(ctx, spec.CatalogName, pubID, now); err != nil {
			logger.WithError(err).WithField("catalog_name", spec.CatalogName).Warn("failed to notify dependents")
		}
	}

	return Result{ID: pubID, Status: model.PublicationSuccess, Detail: req.Detail}, nil
}

func fail(pubID ids.ID, status model.PublicationStatus, detail string) Result {
	return Result{ID: pubID, Status: status, Detail: &detail}
}

func failWithErrors(pubID ids.ID, status model.PublicationStatus, errs []model.DraftError) Result {
	return Result{ID: pubID, Status: status, Errors: errs}
}

// checkTouchAndExpectPubID asserts each draft row's
// optimistic-concurrency and touch preconditions.
func checkTouchAndExpectPubID(rows []catalog.MergedRow) []model.DraftError {
	var errs []model.DraftError
	for _, row := range rows {
		if row.Draft == nil {
			continue
		}
		var liveLastPub ids.ID
		if row.Live != nil {
			liveLastPub = row.Live.LastPubID
		}
		if row.Draft.ExpectPubID != nil && *row.Draft.ExpectPubID != liveLastPub {
			errs = append(errs, model.DraftError{
				CatalogName: row.CatalogName,
				Detail: fmt.Sprintf("expected last publication id %s but found %s: this spec has changed since the draft was authored",
					row.Draft.ExpectPubID, liveLastPub),
			})
			continue
		}
		if row.Draft.IsTouch {
			if row.Live == nil || !bytesEqual(row.Live.Model, row.Draft.Model) {
				errs = append(errs, model.DraftError{
					CatalogName: row.CatalogName,
					Detail:      "touch publication expected its model to equal the current live model, but it differs",
				})
			}
		}
	}
	return errs
}

// checkQuota compares each affected tenant's desired (live + drafted -
// deleted) task/collection counts against its configured quota.
func (p *Publisher) checkQuota(ctx context.Context, rows []catalog.MergedRow) []model.DraftError {
	var byTenant = map[string]struct{ tasks, collections int }{}

	for _, row := range rows {
		if row.Draft == nil {
			continue
		}
		var wasLive = row.Live != nil && !row.Live.IsDeleted()
		var willExist = row.Model != nil

		var d = byTenant[row.CatalogName.Tenant()]
		switch {
		case !wasLive && willExist:
			addDelta(&d, row.SpecType, 1)
		case wasLive && !willExist:
			addDelta(&d, row.SpecType, -1)
		}
		byTenant[row.CatalogName.Tenant()] = d
	}

	var errs []model.DraftError
	var tenants = make([]string, 0, len(byTenant))
	for t := range byTenant {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		var d = byTenant[tenant]
		var quota, usage, err = p.Quotas(ctx, tenant)
		if err != nil {
			errs = append(errs, model.DraftError{Detail: fmt.Sprintf("fetching quota for tenant %q: %v", tenant, err)})
			continue
		}
		if desired := usage.Tasks + d.tasks; desired > quota.QuotaTasks {
			errs = append(errs, model.DraftError{
				Detail: fmt.Sprintf("Request to add %d task(s) would exceed tenant '%s/' quota of %d. %d are currently in use.",
					desired-quota.QuotaTasks, tenant, quota.QuotaTasks, usage.Tasks),
			})
		}
		if desired := usage.Collections + d.collections; desired > quota.QuotaCollections {
			errs = append(errs, model.DraftError{
				Detail: fmt.Sprintf("Request to add %d collection(s) would exceed tenant '%s/' quota of %d. %d are currently in use.",
					desired-quota.QuotaCollections, tenant, quota.QuotaCollections, usage.Collections),
			})
		}
	}
	return errs
}

func addDelta(d *struct{ tasks, collections int }, specType model.CatalogType, n int) {
	switch specType {
	case model.CatalogTypeCapture, model.CatalogTypeMaterialization:
		d.tasks += n
	case model.CatalogTypeCollection:
		d.collections += n
	}
}

func isTouchOnly(drafts *catalog.DraftSpecs) bool {
	for _, d := range drafts.All() {
		if !d.IsTouch {
			return false
		}
	}
	return drafts.Len() > 0
}

// commitRows folds the validated build back over the merged rows,
// producing the LiveSpec rows to persist: touched rows (whose model was
// checked equal to live) only advance LastBuildID; every other drafted
// row advances both ids. Every drafted row's dependency hash is
// recomputed.
func commitRows(rows []catalog.MergedRow, built *catalog.BuiltCatalog, gen *ids.Generator, buildID, pubID ids.ID, now time.Time, touchOnly bool) []model.LiveSpec {
	var builtByName = make(map[model.CatalogName]json.RawMessage, len(built.Specs))
	for _, b := range built.Specs {
		builtByName[b.CatalogName] = b.Built
	}

	var out []model.LiveSpec
	for _, row := range rows {
		if row.Draft == nil {
			continue // expanded-but-undrafted dependency: untouched by this publication.
		}
		var spec model.LiveSpec
		if row.Live != nil {
			spec = *row.Live
		} else {
			spec.ID = gen.Next()
			spec.CatalogName = row.CatalogName
		}
		spec.SpecType = row.SpecType
		spec.Model = row.Model
		spec.BuiltSpec = builtByName[row.CatalogName]
		spec.LastBuildID = buildID
		spec.UpdatedAt = now
		if row.Live == nil {
			spec.CreatedAt = now
		}
		if !touchOnly && !row.Draft.IsTouch {
			spec.LastPubID = pubID
		}
		spec.DependencyHash = dependencyHash(row)
		out = append(out, spec)
	}
	return out
}

// dependencyHash computes a deterministic digest scoped to the spec's
// own canonicalized content. Controllers widen their comparison over
// every read-from/write-to neighbor; a digest over the spec's own model
// is sufficient here to detect any drafted change.
func dependencyHash(row catalog.MergedRow) string {
	var h = md5.New()
	h.Write([]byte(row.CatalogName))
	h.Write(row.Model)
	return hex.EncodeToString(h.Sum(nil))
}

// assignCollectionGenerations stamps a generation id onto every built
// collection spec: a new collection is assigned this publication's id,
// a compatible change carries its prior generation forward, and an
// incompatible recreation rotates to this publication's id, leaving the
// prior generation's journals retained in the data plane.
func assignCollectionGenerations(built *catalog.BuiltCatalog, live *catalog.LiveSpecs, pubID ids.ID) {
	for i := range built.Specs {
		var spec = &built.Specs[i]
		if spec.SpecType != model.CatalogTypeCollection {
			continue
		}
		next, err := activate.ParseBuiltCollection(spec.Built)
		if err != nil {
			continue
		}

		var generation = pubID
		if prior, ok := live.Get(spec.CatalogName); ok && prior.BuiltSpec != nil {
			if priorColl, err := activate.ParseBuiltCollection(prior.BuiltSpec); err == nil &&
				priorColl.GenerationID != 0 && !activate.RequiresRecreation(priorColl, next) {
				generation = priorColl.GenerationID
			}
		}

		var doc map[string]json.RawMessage
		if err := json.Unmarshal(spec.Built, &doc); err != nil {
			continue
		}
		var gen, _ = json.Marshal(generation)
		doc["generationId"] = gen
		if patched, err := json.Marshal(doc); err == nil {
			spec.Built = patched
		}
	}
}

// edgesFromBuilt derives the directed flow edges of each built spec's
// bindings: capture -> target collections, source collections ->
// materialization, transform sources -> derivation, and test <->
// stepped collections. References to names outside the known index are
// skipped; they belong to specs this publication doesn't touch or see.
func edgesFromBuilt(specs []catalog.BuiltSpec, idByName map[model.CatalogName]ids.ID) []model.FlowEdge {
	var out []model.FlowEdge
	var edge = func(source, target model.CatalogName, flowType model.FlowType) {
		var sourceID, ok1 = idByName[source]
		var targetID, ok2 = idByName[target]
		if ok1 && ok2 {
			out = append(out, model.FlowEdge{SourceID: sourceID, TargetID: targetID, FlowType: flowType})
		}
	}

	for _, spec := range specs {
		switch spec.SpecType {
		case model.CatalogTypeCapture:
			var doc struct {
				Bindings []struct {
					Target model.CatalogName `json:"target"`
				} `json:"bindings"`
			}
			if json.Unmarshal(spec.Model, &doc) != nil {
				continue
			}
			for _, b := range doc.Bindings {
				edge(spec.CatalogName, b.Target, model.FlowTypeCapture)
			}
		case model.CatalogTypeMaterialization:
			var doc struct {
				Bindings []struct {
					Source model.CatalogName `json:"source"`
				} `json:"bindings"`
			}
			if json.Unmarshal(spec.Model, &doc) != nil {
				continue
			}
			for _, b := range doc.Bindings {
				edge(b.Source, spec.CatalogName, model.FlowTypeMaterialization)
			}
		case model.CatalogTypeCollection:
			var doc struct {
				Derive struct {
					Transforms []struct {
						Source model.CatalogName `json:"source"`
					} `json:"transforms"`
				} `json:"derive"`
			}
			if json.Unmarshal(spec.Model, &doc) != nil {
				continue
			}
			for _, t := range doc.Derive.Transforms {
				edge(t.Source, spec.CatalogName, model.FlowTypeCollection)
			}
		case model.CatalogTypeTest:
			var doc struct {
				Steps []struct {
					Collection model.CatalogName `json:"collection"`
					Verify     bool              `json:"verify,omitempty"`
				} `json:"steps"`
			}
			if json.Unmarshal(spec.Model, &doc) != nil {
				continue
			}
			for _, s := range doc.Steps {
				if s.Verify {
					edge(s.Collection, spec.CatalogName, model.FlowTypeTest)
				} else {
					edge(spec.CatalogName, s.Collection, model.FlowTypeTest)
				}
			}
		}
	}
	return out
}

func firstDraftID(drafts []model.DraftSpec) ids.ID {
	if len(drafts) == 0 {
		return 0
	}
	return drafts[0].DraftID
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func dedupeNames(sorted []model.CatalogName) []model.CatalogName {
	var out = sorted[:0]
	for i, n := range sorted {
		if i == 0 || n != sorted[i-1] {
			out = append(out, n)
		}
	}
	return out
}
