package model

import (
	"encoding/json"
	"time"
)

// Unknown marks provider fields that were absent in the raw record.
const Unknown = "unknown"

type TargetKind int

const (
	TargetAddress TargetKind = iota
	TargetHostname
	TargetQuery
)

func (k TargetKind) String() string {
	switch k {
	case TargetAddress:
		return "address"
	case TargetHostname:
		return "hostname"
	case TargetQuery:
		return "query"
	default:
		return "unknown"
	}
}

// Target is a canonical, validated collection target.
// For TargetQuery the Name is the saved query name and Query its expression.
type Target struct {
	Kind  TargetKind
	Name  string
	Query string
}

func (t Target) String() string {
	return t.Name
}

// RawRecord is a verbatim provider record. Numbers are kept as json.Number.
type RawRecord map[string]any

// Get returns a nested value following keys.
func (r RawRecord) Get(keys ...string) (any, bool) {
	var cur any = map[string]any(r)
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func (r RawRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any(r))
}

// TargetAttrs are the mutable attributes of a Target plus its identity key.
type TargetAttrs struct {
	Address          string
	Org              string
	ISP              string
	Country          string
	ASN              string
	ProviderUpdateAt *time.Time
}

// ServiceAttrs are the attributes of one observed port/transport.
type ServiceAttrs struct {
	Port            int
	Transport       string
	Product         string
	Version         string
	CPE             string
	Vulnerabilities []string
	RiskScore       int
}

// Observation is the normalized form of a single raw record.
type Observation struct {
	Target  TargetAttrs
	Service ServiceAttrs
}

// RiskScore is 1 plus the number of known vulnerabilities.
func RiskScore(vulns []string) int {
	return 1 + len(vulns)
}

// Service is a stored service row.
type Service struct {
	ID        int64
	TargetID  int64
	FirstSeen time.Time
	LastSeen  time.Time
	LastRunID string
	Stale     bool
	ServiceAttrs
}

// Host is a stored target with its services.
type Host struct {
	ID int64
	TargetAttrs
	Services []Service
}
