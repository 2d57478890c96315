package nodes

import (
	"github.com/invopop/jsonschema"

	"github.com/ggoodman/layersync/sessions"
)

// Definition describes one node to the graph host.
type Definition struct {
	Name        string             `json:"name"`
	DisplayName string             `json:"display_name"`
	Category    string             `json:"category"`
	Input       *jsonschema.Schema `json:"input"`
	Output      *jsonschema.Schema `json:"output,omitempty"`
	OutputNode  bool               `json:"output_node,omitempty"`
}

const category = "Photoshop"

// Definitions returns the node definitions. When s is non-nil, name inputs
// carry enums listing the choices of s's latest topology, first choice as
// default. With s nil the enums are empty.
func Definitions(s *sessions.Session) []Definition {
	var docs, layers, bounds, setLayers []string
	if s != nil {
		docs = s.DocumentNames()
		layers = s.LayerNames(sessions.ActiveDocument)
		bounds = s.BoundsNames(sessions.ActiveDocument)
		setLayers = s.SetLayerNames(sessions.ActiveDocument)
	}

	get := reflectSchema(new(GetImageInput))
	setEnum(get, "document", docs)
	setEnum(get, "layer", layers)
	setEnum(get, "use_layer_bounds", bounds)

	send := reflectSchema(new(SendImagesInput))
	setEnum(send, "document", docs)
	setEnum(send, "layer", setLayers)

	return []Definition{
		{
			Name:        "Get Image From Photoshop Layer",
			DisplayName: "Get image from Photoshop layer",
			Category:    category,
			Input:       get,
			Output:      reflectSchema(new(GetImageOutput)),
		},
		{
			Name:        "Send Images To Photoshop",
			DisplayName: "Send images to Photoshop",
			Category:    category,
			Input:       send,
			OutputNode:  true,
		},
		{
			Name:        "Image Times Opacity",
			DisplayName: "Image times opacity",
			Category:    category,
			Input:       reflectSchema(new(OpacityInput)),
		},
		{
			Name:        "Mask Times Opacity",
			DisplayName: "Mask times opacity",
			Category:    category,
			Input:       reflectSchema(new(OpacityInput)),
		},
	}
}

func reflectSchema(v any) *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	return r.Reflect(v)
}

func setEnum(s *jsonschema.Schema, prop string, values []string) {
	if s == nil || s.Properties == nil {
		return
	}
	p, ok := s.Properties.Get(prop)
	if !ok || p == nil {
		return
	}
	p.Enum = make([]any, 0, len(values))
	for _, v := range values {
		p.Enum = append(p.Enum, v)
	}
	if len(values) > 0 {
		p.Default = values[0]
	}
}
