// Package dieharder implements the Dieharder battery: the test catalogue,
// invocation building and the output grammar.
//
// Importing the package registers it with battery.New.
package dieharder

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/DalavanCloud/randomness-testing-toolkit/internal/battery"
	"github.com/DalavanCloud/randomness-testing-toolkit/internal/config"
)

// StatisticName is the name of the only statistic Dieharder results carry.
const StatisticName = "Kolmogorov-Smirnov"

// generatorFileInput selects dieharder's raw file input generator.
const generatorFileInput = 201

var (
	// ErrUnknownTest is returned for test indices outside the catalogue.
	ErrUnknownTest = errors.New("dieharder: unknown test")
	// ErrNoPSamples is returned when neither the test nor the defaults set psamples.
	ErrNoPSamples = errors.New("dieharder: psamples not configured")
)

var tests = map[int]string{
	0:   "diehard_birthdays",
	1:   "diehard_operm5",
	2:   "diehard_rank_32x32",
	3:   "diehard_rank_6x8",
	4:   "diehard_bitstream",
	5:   "diehard_opso",
	6:   "diehard_oqso",
	7:   "diehard_dna",
	8:   "diehard_count_1s_str",
	9:   "diehard_count_1s_byt",
	10:  "diehard_parking_lot",
	11:  "diehard_2dsphere",
	12:  "diehard_3dsphere",
	13:  "diehard_squeeze",
	14:  "diehard_sums",
	15:  "diehard_runs",
	16:  "diehard_craps",
	17:  "marsaglia_tsang_gcd",
	100: "sts_monobit",
	101: "sts_runs",
	102: "sts_serial",
	200: "rgb_bitdist",
	201: "rgb_minimum_distance",
	202: "rgb_permutations",
	203: "rgb_lagged_sum",
	204: "rgb_kstest_test",
	205: "dab_bytedistrib",
	206: "dab_dct",
	207: "dab_filltree",
	208: "dab_filltree2",
	209: "dab_monobit2",
}

func init() {
	battery.Register(battery.KindDieharder, New)
}

// TestName returns the dieharder name of a test index.
func TestName(index int) (string, bool) {
	name, ok := tests[index]
	return name, ok
}

// TestIndices lists the catalogue in ascending order.
func TestIndices() []int {
	out := make([]int, 0, len(tests))
	for index := range tests {
		out = append(out, index)
	}
	sort.Ints(out)
	return out
}

// Battery is the Dieharder implementation of battery.Battery.
type Battery struct {
	settings *config.DieharderSettings
	parser   Parser
}

// New builds the battery from the "dieharder-settings" section.
func New(settings *config.BatterySettings) (battery.Battery, error) {
	if settings == nil || settings.Dieharder == nil {
		return nil, fmt.Errorf("%w: dieharder-settings", config.ErrMissingSection)
	}
	return &Battery{settings: settings.Dieharder}, nil
}

func (b *Battery) Kind() battery.Kind { return battery.KindDieharder }

func (b *Battery) Parser() battery.OutputParser { return b.parser }

func (b *Battery) StatisticName() string { return StatisticName }

// Units builds one unit per requested test. Without an explicit selection
// the tests listed in the defaults section are used.
func (b *Battery) Units(inputPath string, selected []int) ([]*battery.TestUnit, error) {
	if inputPath == "" {
		return nil, errors.New("dieharder: empty input path")
	}
	if strings.ContainsAny(inputPath, " \t\n") {
		return nil, fmt.Errorf("dieharder: input path %q contains whitespace", inputPath)
	}

	indices := selected
	if len(indices) == 0 {
		indices = b.settings.DefaultTests()
	}
	if len(indices) == 0 {
		return nil, errors.New("dieharder: no tests selected")
	}

	units := make([]*battery.TestUnit, 0, len(indices))
	for _, index := range indices {
		unit, err := b.unit(inputPath, index)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, nil
}

func (b *Battery) unit(inputPath string, index int) (*battery.TestUnit, error) {
	name, ok := tests[index]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTest, index)
	}

	psamples, ok := b.settings.PSamples(index)
	if !ok {
		return nil, fmt.Errorf("%w: test %d", ErrNoPSamples, index)
	}
	arguments := b.settings.Arguments(index)

	unit := &battery.TestUnit{Index: index, Name: name}

	specific, _ := b.settings.TestSettings(index)
	if len(specific.Variants) == 0 {
		unit.Variants = []*battery.Variant{b.variant(inputPath, index, psamples, arguments)}
		return unit, nil
	}

	for _, v := range specific.Variants {
		ps := psamples
		if v.PSamples != nil {
			ps = *v.PSamples
		}
		args := arguments
		if v.Arguments != "" {
			args = v.Arguments
		}
		unit.Variants = append(unit.Variants, b.variant(inputPath, index, ps, args))
	}
	return unit, nil
}

func (b *Battery) variant(inputPath string, index, psamples int, arguments string) *battery.Variant {
	args := fmt.Sprintf("-d %d -g %d -f %s -p %d", index, generatorFileInput, inputPath, psamples)
	arguments = strings.TrimSpace(arguments)
	if arguments != "" {
		args += " " + arguments
	}

	settings := []battery.Setting{{Name: "p-samples", Value: strconv.Itoa(psamples)}}
	if arguments != "" {
		settings = append(settings, battery.Setting{Name: "arguments", Value: arguments})
	}

	return battery.NewVariant(battery.Invocation{
		BinaryPath: b.settings.BinaryPath,
		Arguments:  args,
	}, settings...)
}

// Lift collects warning and error lines from both streams. Dieharder
// reports a rewound input file, which means the input was too short for
// the requested sample count.
func (b *Battery) Lift(stdout, stderr string) (warnings, errs []string) {
	for _, stream := range []string{stdout, stderr} {
		for _, line := range strings.Split(stream, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			lower := strings.ToLower(line)
			switch {
			case strings.Contains(lower, "error"):
				errs = append(errs, line)
			case strings.Contains(lower, "rewound"), strings.Contains(lower, "warning"):
				warnings = append(warnings, line)
			}
		}
	}
	return warnings, errs
}
