// Package layout stores overlay layouts as JSON files in a directory, one
// file per layout name. The hub consumes it as an opaque store: element
// geometry and styling pass through untouched.
package layout

import "encoding/json"

// Layout is one named overlay arrangement. Elements and MessageStyle are
// kept as raw JSON so editor-authored fields round-trip byte-for-byte
// without this server modeling CSS internals.
type Layout struct {
	Name         string                     `json:"name"`
	Version      int                        `json:"version"`
	Elements     map[string]json.RawMessage `json:"elements,omitempty"`
	MessageStyle json.RawMessage            `json:"message_style,omitempty"`
}

// Default returns the layout seeded into an empty store.
func Default() Layout {
	return Layout{
		Name:    "default",
		Version: 1,
		Elements: map[string]json.RawMessage{
			"chat": json.RawMessage(`{"enabled":true,"position":{"y":"0vh","right":"0vw"},"size":{"width":"15.63vw","height":"100vh"}}`),
		},
	}
}

// ListResponse is the payload for layout-list replies: every stored name
// plus the currently active one.
type ListResponse struct {
	Layouts []string `json:"layouts"`
	Active  string   `json:"active"`
}
