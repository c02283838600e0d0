package validate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/estuary/flow/go/agent/model"
)

// Projection maps a named field onto a JSON-pointer location of a
// collection's documents, with the flags field selection depends on.
type Projection struct {
	Field        string    `json:"field"`
	Ptr          string    `json:"ptr"`
	IsPrimaryKey bool      `json:"isPrimaryKey,omitempty"`
	IsPartition  bool      `json:"isPartitionKey,omitempty"`
	Inference    Inference `json:"inference"`
}

// Inference is what the schema implies about a projected location.
type Inference struct {
	Types       []string `json:"types,omitempty"`
	MustExist   bool     `json:"mustExist,omitempty"`
	IsNullable  bool     `json:"isNullable,omitempty"`
	Description string   `json:"description,omitempty"`
}

type collectionProjectionModel struct {
	Schema      json.RawMessage            `json:"schema"`
	WriteSchema json.RawMessage            `json:"writeSchema"`
	Key         []string                   `json:"key"`
	Projections map[string]json.RawMessage `json:"projections"`
}

type schemaNode struct {
	Type        json.RawMessage       `json:"type"`
	Properties  map[string]schemaNode `json:"properties"`
	Required    []string              `json:"required"`
	Description string                `json:"description"`
}

// ComputeProjections derives the projections of a collection model: one
// per explicit projection, one per key pointer, and one per top-level
// schema property, keyed by field name in sorted order. Key pointers
// are marked as primary-key projections that must exist; rejecting a
// key whose type admits null is left to validateKeyProjections.
func ComputeProjections(raw json.RawMessage) ([]Projection, error) {
	var doc collectionProjectionModel
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing collection model: %w", err)
	}
	var schema = doc.Schema
	if schema == nil {
		schema = doc.WriteSchema
	}
	var root schemaNode
	if schema != nil {
		if err := json.Unmarshal(schema, &root); err != nil {
			return nil, fmt.Errorf("parsing collection schema: %w", err)
		}
	}

	var byField = map[string]Projection{}

	// Top-level schema properties project to their own names.
	for name, prop := range root.Properties {
		byField[name] = Projection{
			Field:     name,
			Ptr:       "/" + escapePointerToken(name),
			Inference: inferenceOf(prop, contains(root.Required, name)),
		}
	}

	// Explicit projections override the schema-derived defaults. A
	// projection is either a bare pointer string or an object with a
	// location and a partition flag.
	for field, rawProj := range doc.Projections {
		var ptr string
		var partition bool
		if err := json.Unmarshal(rawProj, &ptr); err != nil {
			var obj struct {
				Location  string `json:"location"`
				Partition bool   `json:"partition"`
			}
			if err := json.Unmarshal(rawProj, &obj); err != nil {
				return nil, fmt.Errorf("projection %q: expected a pointer or {location, partition}", field)
			}
			ptr, partition = obj.Location, obj.Partition
		}
		var node, required = resolvePointer(root, ptr)
		byField[field] = Projection{
			Field:       field,
			Ptr:         ptr,
			IsPartition: partition,
			Inference:   inferenceOf(node, required),
		}
	}

	// Key pointers are primary-key projections.
	for _, ptr := range doc.Key {
		var field = strings.TrimPrefix(ptr, "/")
		var proj = byField[field]
		if proj.Field == "" {
			var node, required = resolvePointer(root, ptr)
			proj = Projection{Field: field, Ptr: ptr, Inference: inferenceOf(node, required)}
		}
		proj.IsPrimaryKey = true
		proj.Inference.MustExist = true
		byField[proj.Field] = proj
	}

	var out = make([]Projection, 0, len(byField))
	for _, p := range byField {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out, nil
}

// validateKeyProjections checks that every key pointer of a collection
// projects to a location whose inferred type set excludes null.
func validateKeyProjections(name model.CatalogName, projections []Projection) error {
	for _, p := range projections {
		if !p.IsPrimaryKey {
			continue
		}
		if p.Inference.IsNullable {
			return fmt.Errorf("collection %s: key pointer %s may be null, which is not allowed of a key", name, p.Ptr)
		}
	}
	return nil
}

func inferenceOf(node schemaNode, required bool) Inference {
	var inf = Inference{
		MustExist:   required,
		Description: node.Description,
	}
	if node.Type == nil {
		return inf
	}
	var one string
	if err := json.Unmarshal(node.Type, &one); err == nil {
		inf.Types = []string{one}
	} else {
		_ = json.Unmarshal(node.Type, &inf.Types)
	}
	for _, t := range inf.Types {
		if t == "null" {
			inf.IsNullable = true
		}
	}
	return inf
}

// resolvePointer walks root by the JSON pointer's property tokens,
// reporting the node reached and whether every step was required.
func resolvePointer(root schemaNode, ptr string) (schemaNode, bool) {
	var node = root
	var required = true
	for _, token := range strings.Split(strings.TrimPrefix(ptr, "/"), "/") {
		if token == "" {
			continue
		}
		token = strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
		var next, ok = node.Properties[token]
		if !ok {
			return schemaNode{}, false
		}
		required = required && contains(node.Required, token)
		node = next
	}
	return node, required
}

func escapePointerToken(token string) string {
	return strings.ReplaceAll(strings.ReplaceAll(token, "~", "~0"), "/", "~1")
}

func contains(list []string, v string) bool {
	for _, l := range list {
		if l == v {
			return true
		}
	}
	return false
}
