package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/bobuhiro11/goace/audit"
	"github.com/bobuhiro11/goace/flag"
	"github.com/bobuhiro11/goace/monitor"
	"github.com/bobuhiro11/goace/probe"
	"github.com/pkg/profile"
)

func loadConfig(path string) (flag.Config, error) {
	if path == "" {
		return flag.DefaultConfig(), nil
	}

	return flag.LoadConfig(path)
}

func newMonitor(path string) (*monitor.Monitor, error) {
	c, err := loadConfig(path)
	if err != nil {
		return nil, err
	}

	log, err := c.NewLogger(os.Stderr)
	if err != nil {
		return nil, err
	}

	return monitor.New(c, log), nil
}

func profileMode(kind string) func(*profile.Profile) {
	switch kind {
	case "cpu":
		return profile.CPUProfile
	case "mem":
		return profile.MemProfile
	case "mutex":
		return profile.MutexProfile
	case "block":
		return profile.BlockProfile
	case "goroutine":
		return profile.GoroutineProfile
	default:
		return nil
	}
}

func (r *RunCMD) Run() error {
	if mode := profileMode(r.Profile); mode != nil {
		defer profile.Start(mode, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	}

	m, err := newMonitor(r.Config)
	if err != nil {
		return err
	}

	if r.Audit != "" {
		m.AuditPath = r.Audit
	}

	f, err := m.OpenAudit()
	if err != nil {
		return err
	}

	if f != nil {
		defer f.Close()

		m.SetAudit(f)
	}

	if err := m.Init(); err != nil {
		return err
	}

	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
	defer cancel()

	report, err := m.Boot(ctx, monitor.DemoProgram(r.Harts, m.Entry()))
	if err != nil {
		return err
	}

	fmt.Printf("confidential VM %d ran %v steps\n", report.VM, report.Steps)

	if r.Metrics {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(report.Metrics)
	}

	return nil
}

func (p *ProbeCMD) Run() error {
	m, err := newMonitor(p.Config)
	if err != nil {
		return err
	}

	if err := m.Init(); err != nil {
		return err
	}

	probe.Router(os.Stdout, m.Router())

	return nil
}

func (a *AuditCMD) Run() error {
	f, err := os.Open(a.File)
	if err != nil {
		return err
	}
	defer f.Close()

	recs, err := audit.ReadAll(f)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		fmt.Println(rec)
	}

	return nil
}
