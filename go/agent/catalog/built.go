package catalog

import (
	"encoding/json"
	"sort"

	"github.com/estuary/flow/go/agent/model"
)

// BuildError is a single validation error attributed to a scope URL within
// the draft being validated.
type BuildError struct {
	Scope       string
	CatalogName model.CatalogName
	Error       error
}

// BuiltSpec is one successfully validated and built spec, carrying both
// its source model and its compiled, connector-validated form.
type BuiltSpec struct {
	CatalogName model.CatalogName
	SpecType    model.CatalogType
	Model       json.RawMessage
	Built       json.RawMessage
	// Incompatible is set when this spec's build produced field-level
	// constraint violations that block commit.
	Incompatible *model.IncompatibleCollection
}

// BuiltCatalog is the output of the Validator: either a set of
// BuiltSpecs ready to persist and activate, or one or more Errors that
// abort the publication.
type BuiltCatalog struct {
	Specs  []BuiltSpec
	Errors []BuildError
}

// HasErrors reports whether validation produced any errors.
func (b *BuiltCatalog) HasErrors() bool { return len(b.Errors) > 0 }

// Incompatibilities collects the IncompatibleCollection errors across
// all built specs, in catalog-name order, for surfacing on a
// build_failed Publication.
func (b *BuiltCatalog) Incompatibilities() []model.IncompatibleCollection {
	var out []model.IncompatibleCollection
	for _, s := range b.Specs {
		if s.Incompatible != nil {
			out = append(out, *s.Incompatible)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Collection < out[j].Collection })
	return out
}

// DraftErrors renders BuildErrors into the addressable DraftError shape
// used on Publication.Errors.
func (b *BuiltCatalog) DraftErrors() []model.DraftError {
	var out = make([]model.DraftError, 0, len(b.Errors))
	for _, e := range b.Errors {
		out = append(out, model.DraftError{
			CatalogName: e.CatalogName,
			Scope:       e.Scope,
			Detail:      e.Error.Error(),
		})
	}
	return out
}
