package platform

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// CurrentConfigVersion is the current config API version.
const CurrentConfigVersion = "v1"

// supportedVersions lists every apiVersion this build can load.
var supportedVersions = map[string]bool{
	CurrentConfigVersion: true,
}

// configEnvelope is a minimal struct for peeking at the apiVersion field
// without parsing the full config.
type configEnvelope struct {
	APIVersion string `yaml:"apiVersion"`
}

// PeekVersion extracts the apiVersion from raw YAML bytes.
// Returns CurrentConfigVersion if the field is missing or empty.
func PeekVersion(data []byte) string {
	var envelope configEnvelope
	if err := yaml.Unmarshal(data, &envelope); err != nil || envelope.APIVersion == "" {
		return CurrentConfigVersion
	}
	return envelope.APIVersion
}

func checkVersion(version string) error {
	if supportedVersions[version] {
		return nil
	}
	supported := make([]string, 0, len(supportedVersions))
	for v := range supportedVersions {
		supported = append(supported, v)
	}
	sort.Strings(supported)
	return fmt.Errorf("unsupported config apiVersion %q; supported versions: %s",
		version, strings.Join(supported, ", "))
}
