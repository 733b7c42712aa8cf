package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "go-rawscan.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	v, loaded, err := load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded {
		t.Error("expected the explicit config file to be loaded")
	}

	var c AppConfig
	if err := decode(v, &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Scan.ChunkSize != 4096 || !c.Scan.Content || c.Scan.Workers != 1 || c.Scan.HashAlgorithm != "sha256" {
		t.Errorf("scan defaults: %+v", c.Scan)
	}
	if c.Report.Format != FormatJSON || c.VirusTotal.Enabled {
		t.Errorf("report/virustotal defaults: %+v %+v", c.Report, c.VirusTotal)
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
log_format: json
scan:
  chunk_size: 65536
  prefix: /Users/alice
  workers: 2
report:
  format: plist
  output: out/report.plist
`)
	t.Setenv("RAWSCAN_SCAN_WORKERS", "3")
	t.Setenv("RAWSCAN_SCAN_HASH_ALGORITHM", "blake2b")

	v, _, err := load(path)
	if err != nil {
		t.Fatal(err)
	}
	var c AppConfig
	if err := decode(v, &c); err != nil {
		t.Fatal(err)
	}

	if c.LogFormat != "json" || c.Scan.ChunkSize != 65536 || c.Scan.Prefix != "/Users/alice" {
		t.Errorf("file values not applied: %+v", c)
	}
	if c.Scan.Workers != 3 || c.Scan.HashAlgorithm != "blake2b" {
		t.Errorf("environment overrides not applied: %+v", c.Scan)
	}
	if c.Report.Format != FormatPlist || c.Report.Output != "out/report.plist" {
		t.Errorf("report: %+v", c.Report)
	}
}

func TestLoadUnreadableFile(t *testing.T) {
	path := writeConfig(t, "scan: [unterminated")
	if _, _, err := load(path); err == nil || !strings.Contains(err.Error(), "error reading config file") {
		t.Errorf("expected read error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() AppConfig {
		var c AppConfig
		c.Scan.ChunkSize = 4096
		c.Scan.Workers = 1
		c.Report.Format = FormatJSON
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr string
	}{
		{"valid", func(*AppConfig) {}, ""},
		{"zero chunk size", func(c *AppConfig) { c.Scan.ChunkSize = 0 }, "chunk_size"},
		{"negative workers", func(c *AppConfig) { c.Scan.Workers = -1 }, "workers"},
		{"unknown format", func(c *AppConfig) { c.Report.Format = "csv" }, "unsupported report format"},
		{"virustotal without key", func(c *AppConfig) { c.VirusTotal.Enabled = true }, "api_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := Validate(&c)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	prev := Instance
	t.Cleanup(func() { Instance = prev })

	Instance = AppConfig{}
	Instance.Scan.ChunkSize = 8192
	Instance.Scan.Workers = 2
	Instance.Scan.Prefix = "/home"
	Instance.Report.Format = FormatXMLPlist

	path := filepath.Join(t.TempDir(), "nested", "saved.yaml")
	if err := SaveConfig(path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	v, loaded, err := load(path)
	if err != nil || !loaded {
		t.Fatalf("load saved config: %v", err)
	}
	var c AppConfig
	if err := decode(v, &c); err != nil {
		t.Fatal(err)
	}
	if c.Scan.ChunkSize != 8192 || c.Scan.Workers != 2 || c.Scan.Prefix != "/home" || c.Report.Format != FormatXMLPlist {
		t.Errorf("round trip: %+v", c)
	}
}

func TestLoadFileReplacesInstance(t *testing.T) {
	saved, savedV := Instance, v
	t.Cleanup(func() { Instance, v = saved, savedV })

	path := writeConfig(t, "scan:\n  prefix: /Users\nreport:\n  format: xml\n")
	if err := LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if Instance.Scan.Prefix != "/Users" || Instance.Report.Format != FormatXMLPlist {
		t.Errorf("Instance not replaced: %+v %+v", Instance.Scan, Instance.Report)
	}
	if !ConfigLoaded || ConfigFile != path {
		t.Errorf("ConfigLoaded=%v ConfigFile=%q", ConfigLoaded, ConfigFile)
	}
	if Viper() == nil || Viper().GetString("scan.prefix") != "/Users" {
		t.Error("Viper() does not reflect the loaded file")
	}

	before := Instance
	if err := LoadFile(writeConfig(t, "report:\n  format: yaml\n")); err == nil {
		t.Fatal("expected an invalid format to be rejected")
	}
	if Instance.Report.Format != before.Report.Format {
		t.Error("Instance changed by a rejected file")
	}
}
