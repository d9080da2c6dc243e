package report

import (
	cdx "github.com/CycloneDX/cyclonedx-go"
)

// Exported so tests and other packages can reference the same strings.
const (
	PropOrg               = "sentinel:host:org"
	PropISP               = "sentinel:host:isp"
	PropCountry           = "sentinel:host:country"
	PropASN               = "sentinel:host:asn"
	PropProviderUpdatedAt = "sentinel:host:provider_updated_at"

	PropPort      = "sentinel:service:port"
	PropTransport = "sentinel:service:transport"
	PropRiskScore = "sentinel:service:risk_score"
	PropFirstSeen = "sentinel:service:first_seen"
	PropLastSeen  = "sentinel:service:last_seen"
	PropLastRun   = "sentinel:service:last_run_id"
	PropStale     = "sentinel:service:stale"

	PropExportDriver          = "sentinel:export:driver"
	PropExportLastRun         = "sentinel:export:last_run_id"
	PropExportLastRunFinished = "sentinel:export:last_run_finished_at"
)

// Set (or upsert) a CycloneDX component property.
func SetComponentProp(c *cdx.Component, name, value string) {
	if value == "" {
		return
	}
	if c.Properties == nil {
		c.Properties = &[]cdx.Property{{Name: name, Value: value}}
		return
	}
	props := *c.Properties
	for i := range props {
		if props[i].Name == name {
			props[i].Value = value
			*c.Properties = props
			return
		}
	}
	props = append(props, cdx.Property{Name: name, Value: value})
	*c.Properties = props
}

// ComponentProp returns the value of the named property.
func ComponentProp(c cdx.Component, name string) (string, bool) {
	if c.Properties == nil {
		return "", false
	}
	for _, p := range *c.Properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}
