package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
)

type cmdDraftCreate struct {
	Store storeConfig   `group:"Database" namespace:"db" env-namespace:"DB"`
	User  string        `long:"user" description:"Owning user id"`
	Log   mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdDraftCreate) Execute(_ []string) error {
	mbp.InitLog(cmd.Log)
	var ctx = context.Background()
	var st = cmd.Store.open(ctx)
	defer st.Close()

	var draftID = ids.NewGenerator(1).Next()
	if err := st.CreateDraft(ctx, draftID, cmd.User); err != nil {
		return err
	}
	fmt.Println(color.GreenString("created"), "draft", draftID.String())
	return nil
}

type cmdDraftList struct {
	Store storeConfig   `group:"Database" namespace:"db" env-namespace:"DB"`
	User  string        `long:"user" description:"Owning user id"`
	Log   mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdDraftList) Execute(_ []string) error {
	mbp.InitLog(cmd.Log)
	var ctx = context.Background()
	var st = cmd.Store.open(ctx)
	defer st.Close()

	var drafts, err = st.ListDrafts(ctx, cmd.User)
	if err != nil {
		return err
	}
	for _, id := range drafts {
		fmt.Println(id.String())
	}
	return nil
}

type cmdDraftDescribe struct {
	Store   storeConfig   `group:"Database" namespace:"db" env-namespace:"DB"`
	DraftID string        `long:"draft" description:"ID of the draft to describe (defaults to the selected draft)"`
	Log     mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdDraftDescribe) Execute(_ []string) error {
	mbp.InitLog(cmd.Log)
	var ctx = context.Background()

	draftID, err := resolveDraft(cmd.DraftID)
	if err != nil {
		return err
	}
	var st = cmd.Store.open(ctx)
	defer st.Close()

	specs, err := st.FetchDraftSpecs(ctx, draftID)
	if err != nil {
		return err
	}
	var enc = json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, spec := range specs {
		if err := enc.Encode(map[string]interface{}{
			"catalog_name": spec.CatalogName,
			"spec_type":    spec.SpecType,
			"spec":         spec.Model,
			"is_touch":     spec.IsTouch,
		}); err != nil {
			return err
		}
	}
	return nil
}

type cmdDraftAuthor struct {
	Store   storeConfig   `group:"Database" namespace:"db" env-namespace:"DB"`
	DraftID string        `long:"draft" description:"ID of the draft to author into (defaults to the selected draft)"`
	Source  string        `long:"source" required:"true" description:"Catalog source file to add"`
	Log     mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdDraftAuthor) Execute(_ []string) error {
	mbp.InitLog(cmd.Log)
	var ctx = context.Background()

	draftID, err := resolveDraft(cmd.DraftID)
	if err != nil {
		return err
	}
	specs, err := loadDraftSpecs(cmd.Source, draftID)
	if err != nil {
		return err
	}

	var st = cmd.Store.open(ctx)
	defer st.Close()

	for _, spec := range specs {
		if err := st.UpsertDraftSpec(ctx, spec); err != nil {
			return err
		}
	}
	fmt.Println(color.GreenString("authored"), len(specs), "spec(s) into draft", draftID.String())
	return nil
}

type cmdDraftSelect struct {
	DraftID string        `long:"draft" required:"true" description:"ID of the draft to select"`
	Log     mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdDraftSelect) Execute(_ []string) error {
	mbp.InitLog(cmd.Log)

	var draftID, err = ids.ParseID(cmd.DraftID)
	if err != nil {
		return err
	}
	if err := saveSelectedDraft(draftID); err != nil {
		return err
	}
	fmt.Println(color.GreenString("selected"), "draft", draftID.String())
	return nil
}

type cmdDraftDevelop struct {
	Store   storeConfig   `group:"Database" namespace:"db" env-namespace:"DB"`
	DraftID string        `long:"draft" description:"ID of the draft to develop (defaults to the selected draft)"`
	Target  string        `long:"target" default:"flow.json" description:"Catalog source file to write"`
	Log     mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdDraftDevelop) Execute(_ []string) error {
	mbp.InitLog(cmd.Log)
	var ctx = context.Background()

	draftID, err := resolveDraft(cmd.DraftID)
	if err != nil {
		return err
	}
	var st = cmd.Store.open(ctx)
	defer st.Close()

	specs, err := st.FetchDraftSpecs(ctx, draftID)
	if err != nil {
		return err
	}

	var src = catalogSource{
		Captures:         map[model.CatalogName]json.RawMessage{},
		Collections:      map[model.CatalogName]json.RawMessage{},
		Materializations: map[model.CatalogName]json.RawMessage{},
		Tests:            map[model.CatalogName]json.RawMessage{},
	}
	for _, spec := range specs {
		switch spec.SpecType {
		case model.CatalogTypeCapture:
			src.Captures[spec.CatalogName] = spec.Model
		case model.CatalogTypeCollection:
			src.Collections[spec.CatalogName] = spec.Model
		case model.CatalogTypeMaterialization:
			src.Materializations[spec.CatalogName] = spec.Model
		case model.CatalogTypeTest:
			src.Tests[spec.CatalogName] = spec.Model
		}
	}

	out, err := json.MarshalIndent(src, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(cmd.Target, append(out, '\n'), 0o644); err != nil {
		return err
	}
	fmt.Println(color.GreenString("wrote"), len(specs), "spec(s) of draft", draftID.String(), "to", cmd.Target)
	return nil
}

type cmdDraftDelete struct {
	Store   storeConfig   `group:"Database" namespace:"db" env-namespace:"DB"`
	DraftID string        `long:"draft" description:"ID of the draft to delete (defaults to the selected draft)"`
	Log     mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdDraftDelete) Execute(_ []string) error {
	mbp.InitLog(cmd.Log)
	var ctx = context.Background()

	draftID, err := resolveDraft(cmd.DraftID)
	if err != nil {
		return err
	}
	var st = cmd.Store.open(ctx)
	defer st.Close()

	if err := st.DeleteDraft(ctx, draftID); err != nil {
		return err
	}
	fmt.Println(color.GreenString("deleted"), "draft", draftID.String())
	return nil
}
