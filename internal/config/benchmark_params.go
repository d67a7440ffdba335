package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haggle-project/haggled/internal/manager/benchmark"
)

// ParseBenchmarkParams parses -b's argument string (grounded on the
// original BenchmarkManager's constructor argument list: DataObjects_Attr,
// Nodes_Attr, Attr_Num, DataObjects_Num, Test_Num) into benchmark.Params.
// Format: "nodes,attrsPerNode,dataobjects,attrsPerObject[,intervalMS]",
// e.g. "10,2,100,2,50". Any field left blank falls back to
// benchmark.DefaultParams's value for that field.
func ParseBenchmarkParams(raw string) (benchmark.Params, error) {
	fields := strings.Split(raw, ",")
	if len(fields) < 4 || len(fields) > 5 {
		return benchmark.Params{}, fmt.Errorf("expected 4 or 5 comma-separated fields, got %d", len(fields))
	}

	p := benchmark.DefaultParams
	ints := []*int{&p.Nodes, &p.AttrsPerNode, &p.DataObjects, &p.AttrsPerObject}
	for i, f := range ints {
		if fields[i] == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(fields[i]))
		if err != nil {
			return benchmark.Params{}, fmt.Errorf("field %d (%q): %w", i+1, fields[i], err)
		}
		*f = v
	}

	if len(fields) == 5 && fields[4] != "" {
		ms, err := strconv.Atoi(strings.TrimSpace(fields[4]))
		if err != nil {
			return benchmark.Params{}, fmt.Errorf("interval field (%q): %w", fields[4], err)
		}
		p.Interval = time.Duration(ms) * time.Millisecond
	}

	return p, nil
}
