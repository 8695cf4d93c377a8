package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrMissingSection is returned when the settings file lacks a required key.
var ErrMissingSection = errors.New("config: missing section in battery settings")

const defaultDieharderBinary = "dieharder"

// DieharderVariant is one additional parameterisation of a test.
type DieharderVariant struct {
	PSamples  *int   `yaml:"psamples"`
	Arguments string `yaml:"arguments"`
}

// DieharderTestSettings overrides the defaults for a single test.
type DieharderTestSettings struct {
	Test      *int               `yaml:"test"`
	PSamples  *int               `yaml:"psamples"`
	Arguments *string            `yaml:"arguments"`
	Variants  []DieharderVariant `yaml:"variants"`
}

// DieharderDefaults applies to every test without specific settings.
type DieharderDefaults struct {
	Tests     []string `yaml:"tests"`
	PSamples  *int     `yaml:"psamples"`
	Arguments string   `yaml:"arguments"`
}

// DieharderSettings is the "dieharder-settings" section.
type DieharderSettings struct {
	BinaryPath   string                  `yaml:"binary-path"`
	Defaults     DieharderDefaults       `yaml:"defaults"`
	TestSpecific []DieharderTestSettings `yaml:"test-specific-settings"`

	defaultTests []int
}

// BatterySettings is the parsed battery settings file. Sections for
// batteries without a registered implementation are accepted and ignored.
type BatterySettings struct {
	Dieharder *DieharderSettings `yaml:"dieharder-settings"`
}

type settingsFile struct {
	Root *BatterySettings `yaml:"randomness-testing-toolkit"`
}

// ParseBatterySettings decodes a settings document. JSON documents are
// valid YAML and decode the same way.
func ParseBatterySettings(data []byte) (*BatterySettings, error) {
	var file settingsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: decode battery settings: %w", err)
	}
	if file.Root == nil {
		return nil, fmt.Errorf("%w: randomness-testing-toolkit", ErrMissingSection)
	}

	if dh := file.Root.Dieharder; dh != nil {
		if dh.BinaryPath == "" {
			dh.BinaryPath = defaultDieharderBinary
		}
		tests, err := ParseTestConstants(dh.Defaults.Tests)
		if err != nil {
			return nil, fmt.Errorf("config: dieharder-settings defaults: %w", err)
		}
		dh.defaultTests = tests
	}

	return file.Root, nil
}

// LoadBatterySettings reads and decodes the settings file at path.
func LoadBatterySettings(path string) (*BatterySettings, error) {
	absPath, err := sanitizeAbsolutePath(path)
	if err != nil {
		return nil, err
	}
	data, err := readFileWithinRoot(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: read battery settings: %w", err)
	}
	return ParseBatterySettings(data)
}

// DefaultTests returns the sorted test constants of the defaults section.
func (d *DieharderSettings) DefaultTests() []int {
	return append([]int(nil), d.defaultTests...)
}

// TestSettings returns the specific settings of test, if any. The first
// entry naming a test wins; later duplicates are ignored.
func (d *DieharderSettings) TestSettings(test int) (DieharderTestSettings, bool) {
	for _, ts := range d.TestSpecific {
		if ts.Test != nil && *ts.Test == test {
			return ts, true
		}
	}
	return DieharderTestSettings{}, false
}

// PSamples resolves the p-sample count of test, falling back to the
// defaults. ok is false when neither is set.
func (d *DieharderSettings) PSamples(test int) (psamples int, ok bool) {
	if ts, found := d.TestSettings(test); found && ts.PSamples != nil {
		return *ts.PSamples, true
	}
	if d.Defaults.PSamples != nil {
		return *d.Defaults.PSamples, true
	}
	return 0, false
}

// Arguments resolves the extra arguments of test, falling back to the defaults.
func (d *DieharderSettings) Arguments(test int) string {
	if ts, found := d.TestSettings(test); found && ts.Arguments != nil {
		return *ts.Arguments
	}
	return d.Defaults.Arguments
}

// ParseTestConstants expands test constants such as "1", "5-8" into a
// sorted list without duplicates.
func ParseTestConstants(constants []string) ([]int, error) {
	seen := make(map[int]struct{})
	for _, raw := range constants {
		el := strings.TrimSpace(raw)
		switch strings.Count(el, "-") {
		case 0:
			n, err := strconv.Atoi(el)
			if err != nil {
				return nil, fmt.Errorf("invalid test constant %q", raw)
			}
			seen[n] = struct{}{}
		case 1:
			parts := strings.SplitN(el, "-", 2)
			bot, errBot := strconv.Atoi(strings.TrimSpace(parts[0]))
			top, errTop := strconv.Atoi(strings.TrimSpace(parts[1]))
			if errBot != nil || errTop != nil {
				return nil, fmt.Errorf("invalid test range %q", raw)
			}
			for ; bot <= top; bot++ {
				seen[bot] = struct{}{}
			}
		default:
			return nil, fmt.Errorf("invalid test constant %q: more than one range separator", raw)
		}
	}

	tests := make([]int, 0, len(seen))
	for n := range seen {
		tests = append(tests, n)
	}
	sort.Ints(tests)
	return tests, nil
}
