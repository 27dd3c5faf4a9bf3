package flag_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobuhiro11/goace/flag"
	"github.com/sirupsen/logrus"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		in   string
		unit string
		want int
		err  bool
	}{
		{in: "1G", want: 1 << 30},
		{in: "256m", unit: "g", want: 256 << 20},
		{in: "4", unit: "k", want: 4 << 10},
		{in: "0x80000000", want: 0x8000_0000},
		{in: "0x9000_0000", want: 0x9000_0000},
		{in: "M", err: true},
		{in: "12T", err: true},
		{in: "zz", err: true},
	} {
		test := test
		t.Run(test.in, func(t *testing.T) {
			t.Parallel()

			have, err := flag.ParseSize(test.in, test.unit)
			if (err != nil) != test.err {
				t.Fatalf("have: %v, want error: %v", err, test.err)
			}

			if err == nil && have != test.want {
				t.Fatalf("have: %#x, want: %#x", have, test.want)
			}
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "goace.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
harts = 8
default_vm_harts = 4
log_format = "json"

[non_confidential_memory]
start = "0xa0000000"
size = "1G"
`)

	c, err := flag.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if c.Harts != 8 || c.DefaultVMHarts != 4 || c.LogFormat != "json" {
		t.Errorf("have: %+v", c)
	}

	if c.InterHartQueueCapacity != flag.DefaultConfig().InterHartQueueCapacity {
		t.Errorf("default not kept, have: %d", c.InterHartQueueCapacity)
	}

	l, err := c.Layout()
	if err != nil {
		t.Fatal(err)
	}

	if !l.IsInNonConfidentialRange(0xa000_0000, 1<<30) {
		t.Errorf("non-confidential memory not configured: %v", l)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name    string
		content string
	}{
		{name: "syntax", content: "harts = "},
		{name: "unknown key", content: "cpus = 2"},
		{name: "no harts", content: "harts = 0"},
		{name: "too many harts", content: "harts = 65"},
		{name: "default harts over limit", content: "default_vm_harts = 9"},
		{name: "log level", content: `log_level = "loud"`},
		{name: "log format", content: `log_format = "xml"`},
		{name: "overlapping memory", content: "[non_confidential_memory]\nstart = \"0x80000000\"\nsize = \"16M\""},
		{name: "bad size", content: "[confidential_memory]\nsize = \"lots\""},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if _, err := flag.LoadConfig(writeConfig(t, test.content)); err == nil {
				t.Fatal("invalid configuration accepted")
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	c := flag.DefaultConfig()
	c.LogLevel = "debug"
	c.LogFormat = "json"

	var buf bytes.Buffer

	log, err := c.NewLogger(&buf)
	if err != nil {
		t.Fatal(err)
	}

	if log.GetLevel() != logrus.DebugLevel {
		t.Errorf("have: %v, want: %v", log.GetLevel(), logrus.DebugLevel)
	}

	log.WithField("hart", 1).Debug("hello")

	if !strings.Contains(buf.String(), `"hart":1`) {
		t.Errorf("not JSON: %q", buf.String())
	}
}

func TestOpenAuditDisabled(t *testing.T) {
	t.Parallel()

	c := flag.DefaultConfig()

	f, err := c.OpenAudit()
	if err != nil || f != nil {
		t.Fatalf("have: %v, %v, want: nil, nil", f, err)
	}
}
