package report

import (
	"io"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"

	"github.com/sentinel-intel/sentinel/internal/model"
)

var version string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		version = "unknown"
	} else {
		version = info.Main.Version
	}
}

// Version of the running binary as recorded in the build info.
func Version() string {
	return version
}

// Builder is a builder pattern for a CycloneDX BOM structure
type Builder struct {
	now             func() time.Time
	components      []cdx.Component
	dependencies    []cdx.Dependency
	vulnerabilities []cdx.Vulnerability
	properties      []cdx.Property
}

func NewBuilder() *Builder {
	return &Builder{
		now: time.Now,
		// those MUST be initialized as cyclone-dx JSON schema do not allow items to be null
		components:      []cdx.Component{},
		dependencies:    []cdx.Dependency{},
		vulnerabilities: []cdx.Vulnerability{},
		properties:      []cdx.Property{},
	}
}

// WithClock overrides the metadata timestamp source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) AppendProperties(properties ...cdx.Property) *Builder {
	b.properties = append(b.properties, properties...)
	return b
}

// AppendHosts adds every host as a device component with its services nested
// as application components. Each distinct vulnerability becomes one entry
// affecting all services it was observed on.
func (b *Builder) AppendHosts(hosts ...model.Host) *Builder {
	affects := map[string][]cdx.Affects{}
	for _, h := range hosts {
		host := hostComponent(h)
		services := make([]cdx.Component, 0, len(h.Services))
		refs := make([]string, 0, len(h.Services))
		for _, s := range h.Services {
			c := serviceComponent(h.Address, s)
			services = append(services, c)
			refs = append(refs, c.BOMRef)
			for _, v := range s.Vulnerabilities {
				affects[v] = append(affects[v], cdx.Affects{Ref: c.BOMRef})
			}
		}
		host.Components = &services
		b.components = append(b.components, host)
		b.dependencies = append(b.dependencies, cdx.Dependency{
			Ref:          host.BOMRef,
			Dependencies: &refs,
		})
	}

	ids := make([]string, 0, len(affects))
	for id := range affects {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		a := affects[id]
		b.vulnerabilities = append(b.vulnerabilities, cdx.Vulnerability{
			BOMRef:  "vuln/" + id,
			ID:      id,
			Source:  vulnSource(id),
			Affects: &a,
		})
	}
	return b
}

// BOM returns a cdx.BOM based on a data inside the Builder
func (b *Builder) BOM() cdx.BOM {
	bom := cdx.BOM{
		JSONSchema:   "https://cyclonedx.org/schema/bom-1.6.schema.json",
		BOMFormat:    "CycloneDX",
		SpecVersion:  cdx.SpecVersion1_6,
		SerialNumber: "urn:uuid:" + uuid.New().String(),
		Version:      1,
		Metadata: &cdx.Metadata{
			Timestamp: b.now().UTC().Format(time.RFC3339),
			Lifecycles: &[]cdx.Lifecycle{
				{
					Phase: "operations",
				},
			},
			// This can't be not nil otherwise this error will happen
			// json: error calling MarshalJSON for type *cyclonedx.ToolsChoice: unexpected end of JSON input
			Component: &cdx.Component{
				Type:    cdx.ComponentTypeApplication,
				Name:    "Sentinel",
				Version: version,
			},
		},
		Components:      &b.components,
		Dependencies:    &b.dependencies,
		Vulnerabilities: &b.vulnerabilities,
		Properties:      &b.properties,
	}
	return bom
}

// AsJSON encode the BOM into JSON format
func (b *Builder) AsJSON(w io.Writer) error {
	bom := b.BOM()
	return cdx.NewBOMEncoder(w, cdx.BOMFileFormatJSON).SetPretty(true).Encode(&bom)
}

func hostComponent(h model.Host) cdx.Component {
	c := cdx.Component{
		BOMRef: "host/" + h.Address,
		Type:   cdx.ComponentTypeDevice,
		Name:   h.Address,
	}
	SetComponentProp(&c, PropOrg, h.Org)
	SetComponentProp(&c, PropISP, h.ISP)
	SetComponentProp(&c, PropCountry, h.Country)
	SetComponentProp(&c, PropASN, h.ASN)
	if h.ProviderUpdateAt != nil {
		SetComponentProp(&c, PropProviderUpdatedAt, h.ProviderUpdateAt.UTC().Format(time.RFC3339))
	}
	return c
}

func serviceComponent(address string, s model.Service) cdx.Component {
	port := strconv.Itoa(s.Port)
	name := s.Product
	if name == model.Unknown {
		name = s.Transport + "/" + port
	}
	c := cdx.Component{
		BOMRef: "service/" + address + "/" + s.Transport + "/" + port,
		Type:   cdx.ComponentTypeApplication,
		Name:   name,
	}
	if s.Version != model.Unknown {
		c.Version = s.Version
	}
	if s.CPE != model.Unknown {
		c.CPE = s.CPE
	}
	SetComponentProp(&c, PropPort, port)
	SetComponentProp(&c, PropTransport, s.Transport)
	SetComponentProp(&c, PropRiskScore, strconv.Itoa(s.RiskScore))
	SetComponentProp(&c, PropFirstSeen, s.FirstSeen.UTC().Format(time.RFC3339))
	SetComponentProp(&c, PropLastSeen, s.LastSeen.UTC().Format(time.RFC3339))
	SetComponentProp(&c, PropLastRun, s.LastRunID)
	if s.Stale {
		SetComponentProp(&c, PropStale, "true")
	}
	return c
}

// ExportProperties describe the store an export was taken from and the last
// completed run, if any.
func ExportProperties(driver string, completed []model.ScanRun) []cdx.Property {
	props := []cdx.Property{{Name: PropExportDriver, Value: driver}}
	if len(completed) == 0 {
		return props
	}
	last := completed[0]
	props = append(props, cdx.Property{Name: PropExportLastRun, Value: last.ID})
	if last.FinishedAt != nil {
		props = append(props, cdx.Property{Name: PropExportLastRunFinished, Value: last.FinishedAt.UTC().Format(time.RFC3339)})
	}
	return props
}

func vulnSource(id string) *cdx.Source {
	if !strings.HasPrefix(id, "CVE-") {
		return nil
	}
	return &cdx.Source{
		Name: "NVD",
		URL:  "https://nvd.nist.gov/vuln/detail/" + id,
	}
}
