package main

import (
	"time"

	"github.com/alecthomas/kong"
)

type CLI struct {
	Run   RunCMD   `cmd:"" help:"Boot a confidential VM on the simulated platform."`
	Probe ProbeCMD `cmd:"" help:"Print the extensions, calls and traps the monitor handles."`
	Audit AuditCMD `cmd:"" help:"Print the records of an audit file."`
}

type RunCMD struct {
	Config  string        `short:"c" type:"existingfile" help:"TOML configuration file."`
	Harts   int           `short:"n" default:"2" help:"Number of confidential harts of the VM."`
	Audit   string        `short:"a" help:"Record monitor exits to this file."`
	Timeout time.Duration `short:"t" default:"30s" help:"Give up on the VM after this long."`
	Profile string        `enum:"none,cpu,mem,mutex,block,goroutine" default:"none" help:"Write a profile of this kind."`
	Metrics bool          `short:"m" help:"Print the monitor's counters as JSON."`
}

type ProbeCMD struct {
	Config string `short:"c" type:"existingfile" help:"TOML configuration file."`
}

type AuditCMD struct {
	File string `arg:"" type:"existingfile" help:"Audit file written by run."`
}

func main() {
	c := CLI{}

	programName := "goace"
	programDesc := "goace is a RISC-V security monitor isolating confidential VMs from the hypervisor"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	ctx.FatalIfErrorf(ctx.Run())
}
