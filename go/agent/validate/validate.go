// Package validate implements the Validator stage of the publication
// pipeline: given the merged draft+live tables a publication is
// building, produce a catalog.BuiltCatalog of connector-validated,
// schema-canonicalized specs, or the errors that block the publication.
package validate

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/nsf/jsondiff"

	"github.com/estuary/flow/go/agent/activate"
	"github.com/estuary/flow/go/agent/catalog"
	"github.com/estuary/flow/go/agent/connector"
	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
)

// InferredSchemaRef is the schema URL a collection's read schema uses to
// reference its continuously-inferred schema.
const InferredSchemaRef = "flow://inferred-schema"

// StorageMapping is a tenant's configured data-plane stores.
type StorageMapping struct {
	Prefix string
	Stores []string
}

// CollectionDataStore derives the collection-data/ store prefix from a
// user-provided store, appending the collection-data/ suffix if the user
// did not already include it.
func (m StorageMapping) CollectionDataStore(store string) string {
	if strings.HasSuffix(store, "collection-data/") {
		return store
	}
	return strings.TrimSuffix(store, "/") + "/collection-data/"
}

// RecoveryStore derives the recovery/ store prefix from a user-provided
// store, stripping a collection-data/ suffix if present.
func (m StorageMapping) RecoveryStore(store string) string {
	var s = strings.TrimSuffix(store, "/")
	if strings.HasSuffix(s, "/collection-data") {
		s = strings.TrimSuffix(s, "/collection-data")
	}
	return s + "/recovery/"
}

// Validator runs the validation stage over a set of merged rows.
type Validator struct {
	// Connectors dispatches the per-connector Validate RPC.
	Connectors *connector.Pool
	// StorageMappings resolves a tenant prefix to its configured stores;
	// a missing mapping is a BuildError.
	StorageMappings func(tenant string) (StorageMapping, bool)
	// InferredSchemas resolves a collection's latest inferred schema,
	// for collections reading flow://inferred-schema.
	InferredSchemas func(name model.CatalogName) (model.InferredSchema, bool)
}

// Validate runs every merged row through canonicalization, connector
// Validate RPCs, and storage-mapping checks, producing a BuiltCatalog.
func (v *Validator) Validate(ctx context.Context, rows []catalog.MergedRow) *catalog.BuiltCatalog {
	var out = &catalog.BuiltCatalog{}

	var tenantChecked = map[string]bool{}
	for _, row := range rows {
		var tenant = row.CatalogName.Tenant()
		if !tenantChecked[tenant] {
			tenantChecked[tenant] = true
			if _, ok := v.StorageMappings(tenant); !ok {
				out.Errors = append(out.Errors, catalog.BuildError{
					CatalogName: row.CatalogName,
					Error:       fmt.Errorf("tenant %q has no storage mapping", tenant),
				})
			}
		}

		if row.Model == nil {
			// Deletion: nothing further to validate.
			continue
		}

		var built, err = v.validateRow(ctx, row)
		if err != nil {
			out.Errors = append(out.Errors, catalog.BuildError{
				CatalogName: row.CatalogName,
				Error:       err,
			})
			continue
		}
		if built.Incompatible != nil && (row.Draft == nil || !row.Draft.IsTouch) {
			out.Errors = append(out.Errors, catalog.BuildError{
				CatalogName: row.CatalogName,
				Error:       fmt.Errorf("incompatible collection %s", built.Incompatible.Collection),
			})
		}
		out.Specs = append(out.Specs, *built)
	}
	return out
}

func (v *Validator) validateRow(ctx context.Context, row catalog.MergedRow) (*catalog.BuiltSpec, error) {
	var canonical, err = v.canonicalize(row)
	if err != nil {
		return nil, err
	}

	var built = catalog.BuiltSpec{
		CatalogName: row.CatalogName,
		SpecType:    row.SpecType,
		Model:       row.Model,
		Built:       canonical,
	}

	switch row.SpecType {
	case model.CatalogTypeCapture, model.CatalogTypeMaterialization:
		if v.Connectors == nil {
			break // No connector dispatch configured (tests).
		}
		var resp, err = v.Connectors.Validate(ctx, row.CatalogName, canonical)
		if err != nil {
			return nil, fmt.Errorf("validating %s: %w", row.CatalogName, err)
		}
		if incompatible := incompatibilityFrom(row.CatalogName, resp); incompatible != nil {
			built.Incompatible = incompatible
		}
	case model.CatalogTypeCollection:
		projections, err := ComputeProjections(row.Model)
		if err != nil {
			return nil, err
		}
		if err := validateKeyProjections(row.CatalogName, projections); err != nil {
			return nil, err
		}
		if built.Built, err = stampProjections(built.Built, projections); err != nil {
			return nil, err
		}
		if incompatible := keyChangeIncompatibility(row); incompatible != nil {
			built.Incompatible = incompatible
		}
	case model.CatalogTypeTest:
		if err := validateTestSteps(row); err != nil {
			return nil, err
		}
	}
	return &built, nil
}

// canonicalize injects the inferred schema for flow://inferred-schema
// collections via a JSON merge patch of the model's $defs, and returns
// the resulting built form. Other spec types pass their model through
// unchanged.
func (v *Validator) canonicalize(row catalog.MergedRow) (json.RawMessage, error) {
	if row.SpecType != model.CatalogTypeCollection {
		return row.Model, nil
	}

	var doc struct {
		ReadSchema json.RawMessage `json:"readSchema"`
	}
	if err := json.Unmarshal(row.Model, &doc); err != nil {
		return nil, fmt.Errorf("parsing collection %s: %w", row.CatalogName, err)
	}
	if !strings.Contains(string(doc.ReadSchema), InferredSchemaRef) {
		return row.Model, nil
	}

	// The collection's current generation id was stamped into its built
	// spec by the publication that created (or recreated) it; a brand
	// new collection has none yet.
	var generationID ids.ID
	if row.Live != nil && row.Live.BuiltSpec != nil {
		if prior, err := activate.ParseBuiltCollection(row.Live.BuiltSpec); err == nil {
			generationID = prior.GenerationID
		}
	}

	// Inject under $defs. No inferred schema yet, a not-yet-generated
	// collection, or a schema keyed to a stale generation injects a
	// placeholder that matches anything: the collection is awaiting
	// (re)generation and must not reject documents meanwhile.
	var injected = json.RawMessage(`true`)
	if inferred, ok := v.InferredSchemas(row.CatalogName); ok &&
		generationID != 0 && inferred.GenerationID == generationID {
		injected = inferred.Schema
	}

	patch, err := json.Marshal(map[string]map[string]json.RawMessage{
		"$defs": {InferredSchemaRef: injected},
	})
	if err != nil {
		return nil, fmt.Errorf("building inferred-schema patch: %w", err)
	}
	merged, err := jsonpatch.MergePatch(row.Model, patch)
	if err != nil {
		return nil, fmt.Errorf("injecting inferred schema into %s: %w", row.CatalogName, err)
	}
	return merged, nil
}

// stampProjections writes the computed projections onto the built form
// of a collection spec.
func stampProjections(built json.RawMessage, projections []Projection) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(built, &doc); err != nil {
		return nil, err
	}
	var raw, err = json.Marshal(projections)
	if err != nil {
		return nil, err
	}
	doc["projections"] = raw
	return json.Marshal(doc)
}

// keyChangeIncompatibility flags a drafted collection whose key changed
// relative to its live spec: the key is immutable for a collection
// generation, so the change requires recreation. Touch publications
// can't reach here (their model equals live).
func keyChangeIncompatibility(row catalog.MergedRow) *model.IncompatibleCollection {
	if row.Live == nil || row.Draft == nil || row.Draft.IsTouch || row.Live.Model == nil {
		return nil
	}
	var liveKey, draftKey = keyOf(row.Live.Model), keyOf(row.Model)
	if liveKey == nil || draftKey == nil {
		return nil
	}
	var opts = jsondiff.DefaultJSONOptions()
	if diff, text := jsondiff.Compare(liveKey, draftKey, &opts); diff != jsondiff.FullMatch {
		return &model.IncompatibleCollection{
			Collection:         row.CatalogName,
			RequiresRecreation: []string{"key: " + text},
		}
	}
	return nil
}

func keyOf(rawModel json.RawMessage) json.RawMessage {
	var doc struct {
		Key json.RawMessage `json:"key"`
	}
	if err := json.Unmarshal(rawModel, &doc); err != nil {
		return nil
	}
	return doc.Key
}

func incompatibilityFrom(name model.CatalogName, resp *connector.ValidateResponse) *model.IncompatibleCollection {
	var affected []model.AffectedConsumer
	for _, binding := range resp.Bindings {
		var rejected []model.RejectedField
		for field, constraint := range binding.Constraints {
			if constraint.Type == connector.ConstraintFieldForbidden || constraint.Type == connector.ConstraintUnsatisfiable {
				rejected = append(rejected, model.RejectedField{Field: field, Reason: constraint.Reason})
			}
		}
		if len(rejected) > 0 {
			affected = append(affected, model.AffectedConsumer{
				Name:         name,
				Fields:       rejected,
				ResourcePath: binding.ResourcePath,
			})
		}
	}
	if len(affected) == 0 {
		return nil
	}
	return &model.IncompatibleCollection{
		Collection:               name,
		AffectedMaterializations: affected,
	}
}

func validateTestSteps(row catalog.MergedRow) error {
	var doc struct {
		Steps []struct {
			Collection model.CatalogName `json:"collection"`
		} `json:"steps"`
	}
	if err := json.Unmarshal(row.Model, &doc); err != nil {
		return fmt.Errorf("parsing test %s: %w", row.CatalogName, err)
	}
	for _, step := range doc.Steps {
		if err := step.Collection.Validate(); err != nil {
			return fmt.Errorf("test %s: invalid step collection: %w", row.CatalogName, err)
		}
	}
	return nil
}

// SchemaMD5 computes the digest a collection controller stamps onto its
// status after a successful inferred-schema publication.
func SchemaMD5(schema json.RawMessage) string {
	var sum = md5.Sum(schema)
	return hex.EncodeToString(sum[:])
}
