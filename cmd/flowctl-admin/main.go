package main

import (
	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "flow-admin.ini"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "build", "Build a catalog draft into an artifact", `
Validate a local catalog source and persist it as a content-addressed
build artifact under the builds root, without publishing.
`, &cmdBuild{})

	addCmd(parser, "publish", "Publish a draft", `
Run a draft through the full publication pipeline: expansion,
validation, build, test, commit, and activation.
`, &cmdPublish{})

	addCmd(parser, "test", "Test a draft without committing", `
Run a draft through expansion, validation, build, and its catalog
tests, then discard the result without committing.
`, &cmdTest{})

	draft, err := parser.Command.AddCommand("draft", "Manage catalog drafts", "", &struct{}{})
	mbp.Must(err, "failed to add command")

	addCmd(draft, "create", "Create a new, empty draft", "", &cmdDraftCreate{})
	addCmd(draft, "select", "Select the working draft", "", &cmdDraftSelect{})
	addCmd(draft, "list", "List your drafts", "", &cmdDraftList{})
	addCmd(draft, "describe", "Describe the specs of a draft", "", &cmdDraftDescribe{})
	addCmd(draft, "author", "Add or replace a spec within a draft", "", &cmdDraftAuthor{})
	addCmd(draft, "develop", "Write a draft's specs to a local catalog source", "", &cmdDraftDevelop{})
	addCmd(draft, "delete", "Delete a draft", "", &cmdDraftDelete{})

	serve, err := parser.Command.AddCommand("serve", "Serve a control-plane component", "", &struct{}{})
	mbp.Must(err, "failed to add command")

	addCmd(serve, "agent", "Serve the control-plane agent", `
Serve the control-plane agent: the task-queue scheduler that runs
publications and per-spec controllers, until signaled to exit (via
SIGTERM).
`, &cmdServeAgent{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, cmd interface{}) *flags.Command {
	var added, err = to.AddCommand(a, b, c, cmd)
	mbp.Must(err, "failed to add flags parser command")
	return added
}
