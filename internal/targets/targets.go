// Package targets resolves configured identifiers into the canonical,
// deduplicated list of collection targets.
package targets

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/sentinel-intel/sentinel/internal/model"
)

const maxHostnameLen = 253

var labelRx = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Load validates raw identifiers and saved queries and returns them in input
// order with duplicates removed. Blank entries are ignored. Any malformed
// entry fails the whole load with a *model.ConfigError listing every problem.
func Load(raw []string, queries []model.Query) ([]model.Target, error) {
	var (
		problems []string
		ret      = make([]model.Target, 0, len(raw)+len(queries))
		seen     = make(map[string]struct{}, len(raw))
	)

	for idx, r := range raw {
		s := strings.TrimSpace(r)
		if s == "" {
			continue
		}
		target, err := Parse(s)
		if err != nil {
			problems = append(problems, fmt.Sprintf("targets[%d]: %v", idx, err))
			continue
		}
		if _, ok := seen[target.Name]; ok {
			continue
		}
		seen[target.Name] = struct{}{}
		ret = append(ret, target)
	}

	named := make(map[string]string, len(queries))
	for idx, q := range queries {
		name := strings.TrimSpace(q.Name)
		expr := strings.TrimSpace(q.Query)
		switch {
		case name == "":
			problems = append(problems, fmt.Sprintf("queries[%d]: empty name", idx))
			continue
		case expr == "":
			problems = append(problems, fmt.Sprintf("queries[%d]: empty query for %q", idx, name))
			continue
		}
		// query results share the mirror key space with address and hostname targets
		if _, ok := seen[strings.ToLower(name)]; ok {
			problems = append(problems, fmt.Sprintf("queries[%d]: name %q clashes with a target", idx, name))
			continue
		}
		if prev, ok := named[name]; ok {
			if prev != expr {
				problems = append(problems, fmt.Sprintf("queries[%d]: name %q reused for a different query", idx, name))
			}
			continue
		}
		named[name] = expr
		ret = append(ret, model.Target{Kind: model.TargetQuery, Name: name, Query: expr})
	}

	if len(problems) > 0 {
		return nil, &model.ConfigError{Field: "targets", Problems: problems}
	}
	if len(ret) == 0 {
		return nil, &model.ConfigError{Field: "targets", Problems: []string{"no targets or queries configured"}}
	}
	return ret, nil
}

// Parse canonicalizes a single IP address or hostname.
func Parse(s string) (model.Target, error) {
	if addr, err := netip.ParseAddr(s); err == nil {
		if addr.Zone() != "" {
			return model.Target{}, fmt.Errorf("address %q: zones are not supported", s)
		}
		return model.Target{Kind: model.TargetAddress, Name: addr.Unmap().String()}, nil
	}

	host := strings.TrimSuffix(strings.ToLower(s), ".")
	if err := validHostname(host); err != nil {
		return model.Target{}, fmt.Errorf("%q: %w", s, err)
	}
	return model.Target{Kind: model.TargetHostname, Name: host}, nil
}

func validHostname(host string) error {
	if host == "" || len(host) > maxHostnameLen {
		return fmt.Errorf("hostname length must be 1-%d", maxHostnameLen)
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return fmt.Errorf("not an IP address or fully qualified hostname")
	}
	for _, l := range labels {
		if !labelRx.MatchString(l) {
			return fmt.Errorf("invalid hostname label %q", l)
		}
	}
	tld := labels[len(labels)-1]
	if strings.Trim(tld, "0123456789") == "" {
		return fmt.Errorf("numeric top level label %q", tld)
	}
	return nil
}
