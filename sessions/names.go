package sessions

import (
	"fmt"
	"strconv"
	"strings"
)

const idMarker = "(id:"

var sentinelLayers = map[string]LayerID{
	NameCanvas:    LayerCanvas,
	NameSelection: LayerSelection,
	NameNewLayer:  LayerNew,
}

// RenderName encodes a display name as "<name> (id:<id>)".
func RenderName(name string, id int64) string {
	return fmt.Sprintf("%s (id:%d)", name, id)
}

// ParseID extracts the id from a name rendered by RenderName. Only the text
// after the last "(id:" marker is considered, so names may themselves
// contain the marker.
func ParseID(display string) (int64, error) {
	i := strings.LastIndex(display, idMarker)
	if i < 0 {
		return 0, fmt.Errorf("%w: %q carries no id", ErrNotFound, display)
	}
	rest := strings.TrimSpace(display[i+len(idMarker):])
	if !strings.HasSuffix(rest, ")") {
		return 0, fmt.Errorf("%w: %q carries no id", ErrNotFound, display)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(rest[:len(rest)-1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q carries a malformed id", ErrNotFound, display)
	}
	return id, nil
}

func renderLayers(layers []Layer) []string {
	out := make([]string, 0, len(layers))
	for _, l := range layers {
		out = append(out, RenderName(l.Name, int64(l.ID)))
	}
	return out
}

func withPrefix(prefix []string, rest []string) []string {
	out := make([]string, 0, len(prefix)+len(rest))
	out = append(out, prefix...)
	return append(out, rest...)
}
