// Package manifest models package.xml, the declarative list of metadata
// categories the CLI retrieves from an org.
package manifest

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"
)

const (
	// APIVersion is written into generated manifests.
	APIVersion = "62.0"

	// Namespace is the Metadata API XML namespace.
	Namespace = "http://soap.sforce.com/2006/04/metadata"

	// Wildcard selects every member of a type.
	Wildcard = "*"

	filePerm = 0o640
	dirPerm  = 0o750
)

// ErrInvalid is returned for a manifest that cannot drive a retrieval.
var ErrInvalid = errors.New("invalid package.xml")

// Package is the root element of package.xml.
type Package struct {
	XMLName xml.Name `xml:"Package"`
	Xmlns   string   `xml:"xmlns,attr,omitempty"`
	Types   []Type   `xml:"types"`
	Version string   `xml:"version,omitempty"`
}

// Type is one <types> block.
type Type struct {
	Members []string `xml:"members"`
	Name    string   `xml:"name"`
}

// defaultTypes is a superset of the categories a scan needs.
var defaultTypes = []string{
	// code units
	"ApexClass",
	"ApexTrigger",
	"ApexPage",
	"ApexComponent",
	// UI bundles
	"LightningComponentBundle",
	"AuraDefinitionBundle",
	"StaticResource",
	"FlexiPage",
	// data model
	"CustomObject",
	"CustomMetadata",
	"CustomTab",
	"CustomLabels",
	// process automation
	"Flow",
	"Workflow",
	"ApprovalProcess",
	// access control
	"Profile",
	"PermissionSet",
	"PermissionSetGroup",
	"CustomPermission",
}

// DefaultTypes returns the type names of the exhaustive manifest.
func DefaultTypes() []string {
	return slices.Clone(defaultTypes)
}

// Default returns the exhaustive manifest with a wildcard for every type.
func Default() *Package {
	p := &Package{Xmlns: Namespace, Version: APIVersion}
	for _, name := range defaultTypes {
		p.Types = append(p.Types, Type{Name: name, Members: []string{Wildcard}})
	}
	return p
}

// Parse decodes and validates package.xml content.
func Parse(data []byte) (*Package, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalid)
	}
	var p Package
	if err := xml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that every type has a name and at least one member.
func (p *Package) Validate() error {
	if len(p.Types) == 0 {
		return fmt.Errorf("%w: no <types> elements", ErrInvalid)
	}
	for i, t := range p.Types {
		if t.Name == "" {
			return fmt.Errorf("%w: types[%d] has no <name>", ErrInvalid, i)
		}
		if len(t.Members) == 0 {
			return fmt.Errorf("%w: type %s has no <members>", ErrInvalid, t.Name)
		}
	}
	return nil
}

// TypeNames returns the type names in document order.
func (p *Package) TypeNames() []string {
	names := make([]string, 0, len(p.Types))
	for _, t := range p.Types {
		names = append(names, t.Name)
	}
	return names
}

// Marshal encodes the manifest with an XML declaration.
func (p *Package) Marshal() ([]byte, error) {
	out := *p
	if out.Xmlns == "" {
		out.Xmlns = Namespace
	}
	if out.Version == "" {
		out.Version = APIVersion
	}
	body, err := xml.MarshalIndent(out, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encoding package.xml: %w", err)
	}
	return append([]byte(xml.Header), append(body, '\n')...), nil
}

// WriteFile encodes p to path on fs, creating parent directories.
func WriteFile(fs afero.Fs, path string, p *Package) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("creating manifest directory: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, filePerm); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}
