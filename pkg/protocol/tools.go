package protocol

import (
	"encoding/json"
)

// Tool is the part of a backend's tool definition the gateway reads. The
// input schema is carried as opaque JSON.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult defines the response for listing tools
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// DecodeListTools extracts the tool list from a tools/list reply.
func DecodeListTools(reply *Message) (*ListToolsResult, error) {
	if reply.Error != nil {
		return nil, reply.Error
	}
	var result ListToolsResult
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListToolsParams requests one page of a backend's tools.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// CatalogEntry is one tool in the aggregated catalog. Name is the
// namespaced name (prefix + "/" + tool name); the schema is passed
// through unmodified.
type CatalogEntry struct {
	Name         string          `json:"name"`
	Backend      string          `json:"backend"`
	OriginalName string          `json:"originalName"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
}

// NamespacedName joins a backend prefix and a tool name.
func NamespacedName(prefix, tool string) string {
	return prefix + "/" + tool
}
