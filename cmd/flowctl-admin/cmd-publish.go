package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
	"github.com/estuary/flow/go/agent/publish"
)

type cmdPublish struct {
	Store       storeConfig           `group:"Database" namespace:"db" env-namespace:"DB"`
	DraftID     string                `long:"draft" description:"ID of the draft to publish (defaults to the selected draft)"`
	User        string                `long:"user" description:"User id recorded on the publication"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdPublish) Execute(_ []string) error {
	return runPublication(cmd.Store, cmd.DraftID, cmd.User, cmd.Log, cmd.Diagnostics, false)
}

type cmdTest struct {
	Store       storeConfig           `group:"Database" namespace:"db" env-namespace:"DB"`
	DraftID     string                `long:"draft" description:"ID of the draft to test (defaults to the selected draft)"`
	User        string                `long:"user" description:"User id recorded on the publication"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdTest) Execute(_ []string) error {
	return runPublication(cmd.Store, cmd.DraftID, cmd.User, cmd.Log, cmd.Diagnostics, true)
}

func runPublication(storeCfg storeConfig, draft, user string, logCfg mbp.LogConfig, diagCfg mbp.DiagnosticsConfig, dryRun bool) error {
	defer mbp.InitDiagnosticsAndRecover(diagCfg)()
	mbp.InitLog(logCfg)
	var ctx = context.Background()

	draftID, err := resolveDraft(draft)
	if err != nil {
		return err
	}

	var st = storeCfg.open(ctx)
	defer st.Close()

	drafts, err := st.FetchDraftSpecs(ctx, draftID)
	if err != nil {
		return err
	}

	var publisher = newPublisher(st, ids.NewGenerator(1))
	result, err := publisher.Publish(ctx, publish.Request{
		UserID: user,
		Drafts: drafts,
		DryRun: dryRun,
	})
	if err != nil {
		return err
	}

	for _, e := range result.Errors {
		fmt.Println(color.RedString("error"), e.CatalogName, e.Detail)
	}
	if result.Status != model.PublicationSuccess {
		return fmt.Errorf("publication %s finished as %s", result.ID, result.Status)
	}

	if dryRun {
		fmt.Println(color.GreenString("tested"), "draft", draftID.String(), "as publication", result.ID.String())
	} else {
		fmt.Println(color.GreenString("published"), "draft", draftID.String(), "as publication", result.ID.String())
	}
	return nil
}
