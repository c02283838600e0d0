package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
	"github.com/estuary/flow/go/agent/publish"
	"github.com/estuary/flow/go/agent/store"
	"github.com/estuary/flow/go/agent/validate"
)

// storeConfig is the database option group shared by every command that
// talks to the control-plane store.
type storeConfig struct {
	DatabaseURL string `long:"database-url" env:"DATABASE_URL" required:"true" description:"Control-plane database connection string"`
}

func (c storeConfig) open(ctx context.Context) *store.PGStore {
	var st, err = store.Open(ctx, c.DatabaseURL)
	mbp.Must(err, "connecting to control-plane database")
	return st
}

// catalogSource is the on-disk shape of a catalog source file: specs
// grouped by catalog type, each a name-to-model object.
type catalogSource struct {
	Captures         map[model.CatalogName]json.RawMessage `json:"captures,omitempty"`
	Collections      map[model.CatalogName]json.RawMessage `json:"collections,omitempty"`
	Materializations map[model.CatalogName]json.RawMessage `json:"materializations,omitempty"`
	Tests            map[model.CatalogName]json.RawMessage `json:"tests,omitempty"`
}

// loadDraftSpecs reads a catalog source file into draft spec rows.
func loadDraftSpecs(path string, draftID ids.ID) ([]model.DraftSpec, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog source: %w", err)
	}
	var src catalogSource
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("parsing catalog source %s: %w", path, err)
	}

	var out []model.DraftSpec
	var add = func(specs map[model.CatalogName]json.RawMessage, specType model.CatalogType) error {
		for name, spec := range specs {
			if err := name.Validate(); err != nil {
				return err
			}
			out = append(out, model.DraftSpec{
				DraftID:     draftID,
				CatalogName: name,
				SpecType:    specType,
				Model:       spec,
			})
		}
		return nil
	}
	if err := add(src.Captures, model.CatalogTypeCapture); err != nil {
		return nil, err
	}
	if err := add(src.Collections, model.CatalogTypeCollection); err != nil {
		return nil, err
	}
	if err := add(src.Materializations, model.CatalogTypeMaterialization); err != nil {
		return nil, err
	}
	if err := add(src.Tests, model.CatalogTypeTest); err != nil {
		return nil, err
	}
	return out, nil
}

// selectionPath is where `draft select` records the working draft id.
func selectionPath() (string, error) {
	var dir, err = os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving config dir: %w", err)
	}
	return dir + "/flow-admin/draft", nil
}

func saveSelectedDraft(draftID ids.ID) error {
	var path, err = selectionPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path[:len(path)-len("/draft")], 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(draftID.String()+"\n"), 0o644)
}

// resolveDraft parses an explicit --draft value, falling back to the
// draft previously chosen with `draft select`.
func resolveDraft(flag string) (ids.ID, error) {
	if flag != "" {
		return ids.ParseID(flag)
	}
	var path, err = selectionPath()
	if err != nil {
		return 0, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("no draft given and none selected (run `draft select` first): %w", err)
	}
	return ids.ParseID(strings.TrimSpace(string(raw)))
}

// newPublisher builds a store-backed Publisher for CLI-driven
// publications. Activation is left to the serving agent's controllers,
// which reconcile last_build_id against last_activated on their next
// run.
func newPublisher(st *store.PGStore, gen *ids.Generator) *publish.Publisher {
	return &publish.Publisher{
		Store: st,
		IDs:   gen,
		Quotas: func(ctx context.Context, tenant string) (model.Quota, publish.TenantUsage, error) {
			var quota, tasks, collections, err = st.FetchTenant(ctx, tenant)
			return quota, publish.TenantUsage{Tasks: tasks, Collections: collections}, err
		},
		Validator: &validate.Validator{
			StorageMappings: func(tenant string) (validate.StorageMapping, bool) {
				var mappings, err = st.FetchStorageMappings(context.Background())
				if err != nil {
					return validate.StorageMapping{}, false
				}
				var stores, ok = mappings[tenant+"/"]
				if !ok {
					return validate.StorageMapping{}, false
				}
				return validate.StorageMapping{Prefix: tenant + "/", Stores: stores}, true
			},
			InferredSchemas: func(name model.CatalogName) (model.InferredSchema, bool) {
				var schemas, err = st.FetchInferredSchemas(context.Background(), []model.CatalogName{name})
				if err != nil || len(schemas) == 0 {
					return model.InferredSchema{}, false
				}
				return schemas[0], true
			},
		},
	}
}
