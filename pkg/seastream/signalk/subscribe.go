package signalk

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// BuildSubscribe assembles the canonical subscribe message for a context and
// a sequence of path specs. It is a pure function.
//
// Paths are deduplicated (first occurrence wins). Blank paths and paths
// beginning with '#' are dropped, so a line-oriented paths file can be fed
// in directly. Missing periods take DefaultPeriodMillis; a missing
// minPeriod takes the effective period.
func BuildSubscribe(context string, specs []PathSpec) SubscribeMessage {
	msg := SubscribeMessage{
		Context:   context,
		Subscribe: make([]SubscriptionEntry, 0, len(specs)),
	}

	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		path := strings.TrimSpace(spec.Path)
		if path == "" || strings.HasPrefix(path, "#") {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}

		period := spec.PeriodMillis
		if period <= 0 {
			period = DefaultPeriodMillis
		}
		minPeriod := spec.MinPeriodMillis
		if minPeriod <= 0 {
			minPeriod = period
		}

		msg.Subscribe = append(msg.Subscribe, SubscriptionEntry{
			Path:      path,
			Period:    period,
			MinPeriod: minPeriod,
			Format:    FormatDelta,
			Policy:    PolicyIdeal,
		})
	}

	return msg
}

// ParsePathsFile reads a line-oriented subscription list. Each line is
// "path" or "path=periodMillis"; blank lines and '#' comments are ignored.
func ParsePathsFile(r io.Reader) ([]PathSpec, error) {
	var specs []PathSpec

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		path, periodStr, hasPeriod := strings.Cut(line, "=")
		spec := PathSpec{Path: strings.TrimSpace(path)}
		if hasPeriod {
			period, err := strconv.Atoi(strings.TrimSpace(periodStr))
			if err != nil {
				return nil, fmt.Errorf("paths file line %d: bad period %q: %w", lineNo, periodStr, err)
			}
			spec.PeriodMillis = period
		}

		specs = append(specs, spec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading paths file: %w", err)
	}

	return specs, nil
}
