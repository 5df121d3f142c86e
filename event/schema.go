package event

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema documents for both payload shapes, keyed by
// kind.
func Schema() map[Kind]*jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return map[Kind]*jsonschema.Schema{
		KindStatusUpdate:   r.Reflect(&StatusUpdate{}),
		KindArtifactUpdate: r.Reflect(&ArtifactUpdate{}),
	}
}

// SchemaJSON renders Schema as indented JSON.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}
