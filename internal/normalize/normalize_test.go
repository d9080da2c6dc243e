package normalize_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentinel-intel/sentinel/internal/model"
	"github.com/sentinel-intel/sentinel/internal/normalize"
)

var address = model.Target{Kind: model.TargetAddress, Name: "203.0.113.5"}

func decode(t *testing.T, s string) model.RawRecord {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var r model.RawRecord
	require.NoError(t, dec.Decode(&r))
	return r
}

func TestNormalize(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		target   model.Target
		then     model.Observation
	}{
		{
			scenario: "full record",
			given: `{
				"ip_str": "203.0.113.5", "org": "Example", "isp": "Example ISP", "asn": "AS64500",
				"location": {"country_code": "DE"}, "last_update": "2024-01-15T12:34:56.789012",
				"port": 502, "transport": "TCP", "product": "Modbus", "version": "1.2",
				"cpe23": ["cpe:2.3:a:vendor:modbus:1.2"], "cpe": ["cpe:/a:vendor:modbus:1.2"],
				"vulns": {"CVE-2021-1": {"cvss": 7.5}}
			}`,
			target: address,
			then: model.Observation{
				Target: model.TargetAttrs{
					Address:          "203.0.113.5",
					Org:              "Example",
					ISP:              "Example ISP",
					Country:          "DE",
					ASN:              "AS64500",
					ProviderUpdateAt: ptr(time.Date(2024, 1, 15, 12, 34, 56, 789012000, time.UTC)),
				},
				Service: model.ServiceAttrs{
					Port:            502,
					Transport:       "tcp",
					Product:         "Modbus",
					Version:         "1.2",
					CPE:             "cpe:2.3:a:vendor:modbus:1.2",
					Vulnerabilities: []string{"CVE-2021-1"},
					RiskScore:       2,
				},
			},
		},
		{
			scenario: "missing fields are unknown",
			given:    `{"port": 22, "version": "  "}`,
			target:   address,
			then: model.Observation{
				Target: model.TargetAttrs{
					Address: "203.0.113.5",
					Org:     model.Unknown,
					ISP:     model.Unknown,
					Country: model.Unknown,
					ASN:     model.Unknown,
				},
				Service: model.ServiceAttrs{
					Port:            22,
					Transport:       model.Unknown,
					Product:         model.Unknown,
					Version:         model.Unknown,
					CPE:             model.Unknown,
					Vulnerabilities: []string{},
					RiskScore:       1,
				},
			},
		},
		{
			scenario: "vulnerability list is deduplicated and sorted",
			given:    `{"ip_str": "198.51.100.7", "port": "8443", "transport": "udp", "country_code": "US", "vulns": ["CVE-2024-2", "CVE-2023-9", "CVE-2024-2", ""]}`,
			target:   model.Target{Kind: model.TargetHostname, Name: "vpn.example.com"},
			then: model.Observation{
				Target: model.TargetAttrs{
					Address: "198.51.100.7",
					Org:     model.Unknown,
					ISP:     model.Unknown,
					Country: "US",
					ASN:     model.Unknown,
				},
				Service: model.ServiceAttrs{
					Port:            8443,
					Transport:       "udp",
					Product:         model.Unknown,
					Version:         model.Unknown,
					CPE:             model.Unknown,
					Vulnerabilities: []string{"CVE-2023-9", "CVE-2024-2"},
					RiskScore:       3,
				},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			got, err := normalize.Normalize(tc.target, decode(t, tc.given))
			require.NoError(t, err)
			require.Equal(t, tc.then, got)
		})
	}
}

func TestNormalize_RiskRecomputed(t *testing.T) {
	first, err := normalize.Normalize(address, decode(t, `{"port": 502, "vulns": {"CVE-2021-1": {}}}`))
	require.NoError(t, err)
	require.Equal(t, 2, first.Service.RiskScore)

	// a retracted vulnerability lowers the score
	second, err := normalize.Normalize(address, decode(t, `{"port": 502}`))
	require.NoError(t, err)
	require.Equal(t, 1, second.Service.RiskScore)
	require.Empty(t, second.Service.Vulnerabilities)
}

func TestNormalize_Malformed(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		target   model.Target
	}{
		{scenario: "no port", given: `{"ip_str": "203.0.113.5"}`, target: address},
		{scenario: "port out of range", given: `{"port": 70000}`, target: address},
		{scenario: "port not a number", given: `{"port": "ssh"}`, target: address},
		{scenario: "fractional port", given: `{"port": 22.5}`, target: address},
		{scenario: "query result without address", given: `{"port": 22}`, target: model.Target{Kind: model.TargetQuery, Name: "q", Query: "port:22"}},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := normalize.Normalize(tc.target, decode(t, tc.given))
			require.ErrorIs(t, err, model.ErrMalformedRecord)
		})
	}
}

func ptr(t time.Time) *time.Time {
	return &t
}
