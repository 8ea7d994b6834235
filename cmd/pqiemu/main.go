package main

import (
	"github.com/alecthomas/kong"
	"github.com/open-source-firmware/pqiemu/pkg/cmdutil"
)

const (
	programName = "pqiemu"
	programDesc = "Emulated PCIe SOP/PQI storage controller"
)

func main() {
	ctx := kong.Parse(&cli,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.NamedMapper("writabledir", cmdutil.WritableDirMapper()),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run(&context{})
	ctx.FatalIfErrorf(err)
}
