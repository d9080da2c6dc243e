// Package normalize turns raw provider records into structured target and
// service attributes.
package normalize

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sentinel-intel/sentinel/internal/model"
)

// provider timestamps carry no zone and are UTC
var timeLayouts = []string{
	"2006-01-02T15:04:05.999999",
	time.RFC3339Nano,
	time.DateTime,
}

// Normalize converts one raw record observed for target. It fails with
// model.ErrMalformedRecord when the record has no usable service key.
// The risk score is always computed from scratch.
func Normalize(target model.Target, raw model.RawRecord) (model.Observation, error) {
	port, err := portOf(raw)
	if err != nil {
		return model.Observation{}, err
	}

	address := str(raw, "ip_str")
	if address == model.Unknown {
		if target.Kind == model.TargetQuery {
			return model.Observation{}, fmt.Errorf("%w: no ip_str in query result", model.ErrMalformedRecord)
		}
		address = target.Name
	}

	country := str(raw, "location", "country_code")
	if country == model.Unknown {
		country = str(raw, "country_code")
	}

	vulns := Vulnerabilities(raw)
	return model.Observation{
		Target: model.TargetAttrs{
			Address:          address,
			Org:              str(raw, "org"),
			ISP:              str(raw, "isp"),
			Country:          country,
			ASN:              str(raw, "asn"),
			ProviderUpdateAt: timestamp(raw, "last_update"),
		},
		Service: model.ServiceAttrs{
			Port:            port,
			Transport:       strings.ToLower(str(raw, "transport")),
			Product:         str(raw, "product"),
			Version:         str(raw, "version"),
			CPE:             cpe(raw),
			Vulnerabilities: vulns,
			RiskScore:       model.RiskScore(vulns),
		},
	}, nil
}

// Vulnerabilities returns the sorted, deduplicated identifiers of the record.
// The provider sends either an object keyed by identifier or a list.
func Vulnerabilities(raw model.RawRecord) []string {
	v, ok := raw.Get("vulns")
	if !ok {
		return []string{}
	}
	set := map[string]struct{}{}
	switch vv := v.(type) {
	case map[string]any:
		for k := range vv {
			if id := strings.TrimSpace(k); id != "" {
				set[id] = struct{}{}
			}
		}
	case []any:
		for _, item := range vv {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				set[strings.TrimSpace(s)] = struct{}{}
			}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

func portOf(raw model.RawRecord) (int, error) {
	v, ok := raw.Get("port")
	if !ok {
		return 0, fmt.Errorf("%w: missing port", model.ErrMalformedRecord)
	}
	var port int64
	switch p := v.(type) {
	case json.Number:
		n, err := p.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: port %q", model.ErrMalformedRecord, p)
		}
		port = n
	case float64:
		if p != math.Trunc(p) {
			return 0, fmt.Errorf("%w: port %v", model.ErrMalformedRecord, p)
		}
		port = int64(p)
	case int:
		port = int64(p)
	case int64:
		port = p
	case string:
		n, err := strconv.ParseInt(p, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: port %q", model.ErrMalformedRecord, p)
		}
		port = n
	default:
		return 0, fmt.Errorf("%w: port of type %T", model.ErrMalformedRecord, v)
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("%w: port %d out of range", model.ErrMalformedRecord, port)
	}
	return int(port), nil
}

func str(raw model.RawRecord, keys ...string) string {
	v, ok := raw.Get(keys...)
	if !ok {
		return model.Unknown
	}
	var s string
	switch vv := v.(type) {
	case string:
		s = vv
	case json.Number:
		s = vv.String()
	case float64:
		s = strconv.FormatFloat(vv, 'f', -1, 64)
	default:
		return model.Unknown
	}
	if s = strings.TrimSpace(s); s == "" {
		return model.Unknown
	}
	return s
}

func cpe(raw model.RawRecord) string {
	for _, key := range []string{"cpe23", "cpe"} {
		v, ok := raw.Get(key)
		if !ok {
			continue
		}
		switch vv := v.(type) {
		case string:
			if vv != "" {
				return vv
			}
		case []any:
			for _, item := range vv {
				if s, ok := item.(string); ok && s != "" {
					return s
				}
			}
		}
	}
	return model.Unknown
}

func timestamp(raw model.RawRecord, key string) *time.Time {
	s := str(raw, key)
	if s == model.Unknown {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
