package category

import (
	"strings"
)

// Category is the coarse route grouping a quota applies to. Limiting per
// category rather than per route keeps the counter keyspace small and stops
// clients from dodging a limit by spreading calls across sibling endpoints.
type Category string

const (
	Auth       Category = "auth"
	Workspace  Category = "workspace"
	File       Category = "file"
	Annotation Category = "annotation"
	Member     Category = "member"
	Location   Category = "location"
	Other      Category = "other"
)

// Label returns a user-facing name for the category, used in 429 messages.
func (c Category) Label() string {
	switch c {
	case Auth:
		return "authentication"
	case Workspace:
		return "workspace"
	case File:
		return "file"
	case Annotation:
		return "annotation"
	case Member:
		return "workspace member"
	case Location:
		return "file location"
	default:
		return "API"
	}
}

// routeShapes maps route templates to categories. A "{...}" segment matches
// any single path segment. Order matters only for readability; matching is
// exact on segment count so shapes never overlap.
var routeShapes = []struct {
	shape    string
	category Category
}{
	{"/workspaces", Workspace},
	{"/workspaces/{workspace_id}", Workspace},
	{"/workspaces/{workspace_id}/convert-to-shared", Workspace},
	{"/workspaces/{workspace_id}/members", Member},
	{"/workspaces/{workspace_id}/members/{email}", Member},
	{"/workspaces/{workspace_id}/files", File},
	{"/workspaces/{workspace_id}/files/{file_hash}", File},
	{"/workspaces/{workspace_id}/annotations", Annotation},
	{"/workspaces/{workspace_id}/annotations/{annotation_id}", Annotation},
	{"/auth/request-pin", Auth},
	{"/auth/verify-pin", Auth},
	{"/auth/refresh", Auth},
	{"/auth/logout", Auth},
	{"/file-locations", Location},
	{"/file-locations/all", Location},
}

// Resolve maps a request to its category. Unmatched routes resolve to Other,
// which carries a conservative quota; an unknown route must never be
// unlimited. The method is accepted for future shape disambiguation but the
// current table is method-agnostic.
func Resolve(method, path string) Category {
	parts := splitPath(path)

	for _, rs := range routeShapes {
		if matchShape(splitPath(rs.shape), parts) {
			return rs.category
		}
	}
	return Other
}

func matchShape(shape, parts []string) bool {
	if len(shape) != len(parts) {
		return false
	}
	for i, seg := range shape {
		if strings.HasPrefix(seg, "{") {
			continue
		}
		if seg != parts[i] {
			return false
		}
	}
	return true
}

func splitPath(path string) []string {
	var parts []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	return parts
}
