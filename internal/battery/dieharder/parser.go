package dieharder

import (
	"regexp"
	"strconv"

	"github.com/DalavanCloud/randomness-testing-toolkit/internal/battery"
)

var (
	subTestRegion = regexp.MustCompile(`#={77}#([+0-9.\n]*?)#={77}#`)
	pValueToken   = regexp.MustCompile(`\+\+\+\+([01]\.[0-9]+?)\+\+\+\+\n`)
)

// Parser extracts p-value groups from dieharder stdout. Each region
// between two separator lines is one sub-test; regions without a single
// p-value are dropped.
type Parser struct{}

func (Parser) Parse(stdout string) []battery.PValueGroup {
	var groups []battery.PValueGroup
	for _, region := range subTestRegion.FindAllStringSubmatch(stdout, -1) {
		var group battery.PValueGroup
		for _, token := range pValueToken.FindAllStringSubmatch(region[1], -1) {
			value, err := strconv.ParseFloat(token[1], 64)
			if err != nil {
				continue
			}
			group = append(group, value)
		}
		if len(group) > 0 {
			groups = append(groups, group)
		}
	}
	return groups
}
