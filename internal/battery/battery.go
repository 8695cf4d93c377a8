// Package battery holds the data model shared by the execution and
// evaluation layers: test units, their variants, captured process output
// and the per-battery capability used to build and interpret them.
package battery

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/DalavanCloud/randomness-testing-toolkit/internal/config"
)

// Kind identifies a test battery.
type Kind int

const (
	KindUnknown Kind = iota
	KindDieharder
	KindNistSts
	KindTU01SmallCrush
	KindTU01Crush
	KindTU01BigCrush
	KindTU01Rabbit
	KindTU01Alphabit
	KindTU01BlockAlphabit
)

var kindNames = map[Kind]string{
	KindDieharder:         "dieharder",
	KindNistSts:           "nist_sts",
	KindTU01SmallCrush:    "tu01_smallcrush",
	KindTU01Crush:         "tu01_crush",
	KindTU01BigCrush:      "tu01_bigcrush",
	KindTU01Rabbit:        "tu01_rabbit",
	KindTU01Alphabit:      "tu01_alphabit",
	KindTU01BlockAlphabit: "tu01_blockalphabit",
}

// ErrUnknownBattery is returned by ParseKind for names outside the catalogue.
var ErrUnknownBattery = errors.New("battery: unknown battery")

// ErrUnsupportedBattery is returned by New for batteries without a registered
// implementation.
var ErrUnsupportedBattery = errors.New("battery: unsupported battery")

// String returns the command-line name of the battery.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps a command-line battery name to its Kind.
func ParseKind(name string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for kind, known := range kindNames {
		if known == normalized {
			return kind, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownBattery, name)
}

// Kinds lists every known battery in catalogue order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(kindNames))
	for kind := range kindNames {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// PValueGroup is the ordered sequence of p-values extracted from one
// sub-test region of a variant's stdout. Order is significant.
type PValueGroup []float64

// OutputParser extracts p-value groups from captured stdout.
type OutputParser interface {
	Parse(stdout string) []PValueGroup
}

// MessageLifter picks warning and error lines out of captured output so
// they can be reported separately from the raw streams.
type MessageLifter interface {
	Lift(stdout, stderr string) (warnings, errors []string)
}

// Battery is the per-battery capability. Everything downstream of Units is
// battery-agnostic.
type Battery interface {
	MessageLifter
	Kind() Kind
	// Units builds the test units for inputPath. A non-empty tests slice
	// restricts the run to those test indices.
	Units(inputPath string, tests []int) ([]*TestUnit, error)
	Parser() OutputParser
	StatisticName() string
}

// Factory constructs a Battery from the loaded settings file.
type Factory func(settings *config.BatterySettings) (Battery, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[Kind]Factory)
)

// Register makes a battery implementation available to New. It panics when
// called twice for the same kind.
func Register(kind Kind, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("battery: Register factory is nil")
	}
	if _, dup := registry[kind]; dup {
		panic("battery: Register called twice for " + kind.String())
	}
	registry[kind] = factory
}

// New returns the registered implementation of kind.
func New(kind Kind, settings *config.BatterySettings) (Battery, error) {
	registryMu.RLock()
	factory, ok := registry[kind]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBattery, kind)
	}
	return factory(settings)
}
