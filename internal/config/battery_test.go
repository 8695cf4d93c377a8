package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const sampleSettings = `{
  "randomness-testing-toolkit": {
    "dieharder-settings": {
      "defaults": {
        "tests": ["0", "2-4", "3", "100", "200-202"],
        "psamples": 100,
        "arguments": "-n 3"
      },
      "test-specific-settings": [
        {"test": 2, "psamples": 65},
        {"test": 3, "arguments": "-t 1000", "variants": [{"psamples": 10, "arguments": "-n 2"}]},
        {"test": 2, "psamples": 999}
      ]
    },
    "nist-sts-settings": {"defaults": {"tests": ["1-15"]}}
  }
}`

func TestParseBatterySettings(t *testing.T) {
	settings, err := ParseBatterySettings([]byte(sampleSettings))
	if err != nil {
		t.Fatalf("ParseBatterySettings() failed: %v", err)
	}
	dh := settings.Dieharder
	if dh == nil {
		t.Fatal("dieharder-settings not decoded")
	}

	if dh.BinaryPath != "dieharder" {
		t.Errorf("BinaryPath = %q, want default dieharder", dh.BinaryPath)
	}

	want := []int{0, 2, 3, 4, 100, 200, 201, 202}
	if got := dh.DefaultTests(); !reflect.DeepEqual(got, want) {
		t.Errorf("DefaultTests() = %v, want %v", got, want)
	}

	// first entry wins
	if ps, ok := dh.PSamples(2); !ok || ps != 65 {
		t.Errorf("PSamples(2) = %d, %v; want 65", ps, ok)
	}
	if ps, ok := dh.PSamples(3); !ok || ps != 100 {
		t.Errorf("PSamples(3) = %d, %v; want default 100", ps, ok)
	}
	if got := dh.Arguments(3); got != "-t 1000" {
		t.Errorf("Arguments(3) = %q", got)
	}
	if got := dh.Arguments(2); got != "-n 3" {
		t.Errorf("Arguments(2) = %q, want default", got)
	}

	ts, ok := dh.TestSettings(3)
	if !ok || len(ts.Variants) != 1 || *ts.Variants[0].PSamples != 10 {
		t.Errorf("TestSettings(3) = %+v, %v", ts, ok)
	}
}

func TestParseBatterySettingsYAML(t *testing.T) {
	doc := `
randomness-testing-toolkit:
  dieharder-settings:
    binary-path: /opt/dieharder/bin/dieharder
    defaults:
      tests: ["1"]
`
	settings, err := ParseBatterySettings([]byte(doc))
	if err != nil {
		t.Fatalf("ParseBatterySettings() failed: %v", err)
	}
	dh := settings.Dieharder
	if dh.BinaryPath != "/opt/dieharder/bin/dieharder" {
		t.Errorf("BinaryPath = %q", dh.BinaryPath)
	}
	if _, ok := dh.PSamples(1); ok {
		t.Error("PSamples(1) resolved without any psamples configured")
	}
}

func TestParseBatterySettingsErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not a document", "{"},
		{"missing root", `{"other": {}}`},
		{"bad range", `{"randomness-testing-toolkit": {"dieharder-settings": {"defaults": {"tests": ["1-2-3"]}}}}`},
		{"bad constant", `{"randomness-testing-toolkit": {"dieharder-settings": {"defaults": {"tests": ["x"]}}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseBatterySettings([]byte(tt.doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	_, err := ParseBatterySettings([]byte(`{"other": {}}`))
	if !errors.Is(err, ErrMissingSection) {
		t.Errorf("error = %v, want ErrMissingSection", err)
	}
}

func TestLoadBatterySettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtt-settings.json")
	if err := os.WriteFile(path, []byte(sampleSettings), 0o600); err != nil {
		t.Fatal(err)
	}

	settings, err := LoadBatterySettings(path)
	if err != nil {
		t.Fatalf("LoadBatterySettings() failed: %v", err)
	}
	if settings.Dieharder == nil {
		t.Fatal("dieharder-settings not decoded")
	}

	if _, err := LoadBatterySettings(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseTestConstants(t *testing.T) {
	tests := []struct {
		in      []string
		want    []int
		wantErr bool
	}{
		{in: nil, want: []int{}},
		{in: []string{"5"}, want: []int{5}},
		{in: []string{"9-7"}, want: []int{}},
		{in: []string{" 1 - 3 ", "2"}, want: []int{1, 2, 3}},
		{in: []string{"1-2-3"}, wantErr: true},
		{in: []string{"a-3"}, wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseTestConstants(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTestConstants(%v) succeeded, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTestConstants(%v) failed: %v", tt.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseTestConstants(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
