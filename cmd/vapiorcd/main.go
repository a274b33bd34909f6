// Command vapiorcd is the ephemeral Windows VM orchestration daemon:
// it owns the golden-image/hot-spare/assignment lifecycle described by
// this repo's HTTP control plane, the Go counterpart of the original
// Python vm_manager/webhook FastAPI app.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/posener/complete"
)

var description = `Ephemeral Windows VM orchestrator: golden images, hot spares, and assignment over HTTP.`

type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"start the HTTP control plane"`
	Doc     DocCmd     `cmd:"" help:"print complete command help formatted as markdown"`
	Version VersionCmd `cmd:"" help:"print version information"`
}

func main() {
	var cli CLI

	parser, err := kong.New(&cli,
		kong.Configuration(kongyaml.Loader, "vapiorcd.yaml", "~/.vapiorcd.yaml"),
		kong.Description(description),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vapiorcd: %v\n", err)
		os.Exit(1)
	}

	kongcompletion.Register(parser,
		kongcompletion.WithPredictor("file", complete.PredictFiles("*")),
	)

	kctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		parser.FatalIfErrorf(err)
	}

	kctx.FatalIfErrorf(kctx.Run())
}
