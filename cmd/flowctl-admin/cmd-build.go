package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/estuary/flow/go/agent/build"
	"github.com/estuary/flow/go/agent/catalog"
	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
	"github.com/estuary/flow/go/agent/validate"
)

type cmdBuild struct {
	Source      string                `long:"source" required:"true" description:"Catalog source file to build"`
	BuildsRoot  string                `long:"builds-root" env:"BUILDS_ROOT" required:"true" description:"Base URL of the build artifact store"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdBuild) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)
	var ctx = context.Background()

	var gen = ids.NewGenerator(1)
	var drafts, err = loadDraftSpecs(cmd.Source, gen.Next())
	if err != nil {
		return err
	}

	var validator = &validate.Validator{
		StorageMappings: func(string) (validate.StorageMapping, bool) {
			// Local builds have no tenant mappings; stores are resolved
			// at publication time.
			return validate.StorageMapping{}, true
		},
		InferredSchemas: func(model.CatalogName) (model.InferredSchema, bool) {
			return model.InferredSchema{}, false
		},
	}
	var built = validator.Validate(ctx, catalog.Merge(catalog.NewLiveSpecs(nil), catalog.NewDraftSpecs(drafts)))
	if built.HasErrors() {
		for _, e := range built.DraftErrors() {
			fmt.Println(color.RedString("error"), e.CatalogName, e.Detail)
		}
		return fmt.Errorf("build failed with %d error(s)", len(built.Errors))
	}

	uploader, err := build.NewUploader(ctx, cmd.BuildsRoot)
	if err != nil {
		return err
	}
	var buildID = gen.Next()
	var builder = &build.Builder{Uploader: uploader}
	if _, err := builder.Persist(ctx, buildID, built); err != nil {
		return err
	}

	fmt.Println(color.GreenString("built"), buildID.String(), "with", len(built.Specs), "spec(s)")
	return nil
}
