// Package mcpserver registers MCP tools that expose the local sync cache.
// It adapts the cache package to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alexjbarnes/twilsync/internal/cache"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// errNotCached stops a listing at the first gap in the cache.
var errNotCached = errors.New("range not cached")

// RegisterTools adds all cache tools to the given MCP server. The tools
// are read-only and never reach the backend.
func RegisterTools(server *mcp.Server, c *cache.Cache) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "cache_list_collections",
		Description: "List every cached map, list, document and stream record with its sid, unique name, type, last event id and cached item count.",
	}, listCollectionsHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cache_get_item",
		Description: "Read one cached item of a map (by key) or list (by index). Reports whether the item is cached, removed, or unknown.",
	}, getItemHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cache_list_items",
		Description: "List cached live items of a collection in key order, optionally starting at a key or index and descending. Stops at the first range the cache has not loaded and reports complete=false.",
	}, listItemsHandler(c))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListCollectionsInput has no parameters.
type ListCollectionsInput struct{}

// GetItemInput holds parameters for cache_get_item.
type GetItemInput struct {
	Sid string `json:"sid" jsonschema:"required,collection sid or unique name"`
	ID  string `json:"id" jsonschema:"required,map key or list index"`
}

// ListItemsInput holds parameters for cache_list_items.
type ListItemsInput struct {
	Sid        string `json:"sid" jsonschema:"required,collection sid or unique name"`
	Start      string `json:"start,omitempty" jsonschema:"key or index to start from, inclusive; defaults to the collection edge"`
	Descending bool   `json:"descending,omitempty" jsonschema:"list in descending order"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum number of items, defaults to 50"`
}

// --- Output types ---

// CollectionEntry describes one cached entity.
type CollectionEntry struct {
	Sid         string `json:"sid"`
	UniqueName  string `json:"unique_name,omitempty"`
	Type        string `json:"type,omitempty"`
	Revision    string `json:"revision,omitempty"`
	LastEventID int64  `json:"last_event_id"`
	Items       int    `json:"items"`
	Data        any    `json:"data,omitempty"`
}

// ListCollectionsResult is the output of cache_list_collections.
type ListCollectionsResult struct {
	Total       int               `json:"total"`
	Collections []CollectionEntry `json:"collections"`
}

// ItemEntry is one cached item.
type ItemEntry struct {
	ID          string `json:"id"`
	Revision    string `json:"revision,omitempty"`
	LastEventID int64  `json:"last_event_id"`
	DateUpdated string `json:"date_updated,omitempty"`
	Data        any    `json:"data,omitempty"`
}

// GetItemResult is the output of cache_get_item.
type GetItemResult struct {
	Sid    string     `json:"sid"`
	Status string     `json:"status"`
	Item   *ItemEntry `json:"item,omitempty"`
}

// ListItemsResult is the output of cache_list_items.
type ListItemsResult struct {
	Sid      string      `json:"sid"`
	Items    []ItemEntry `json:"items"`
	Complete bool        `json:"complete"`
}

// --- Handlers ---

func listCollectionsHandler(c *cache.Cache) mcp.ToolHandlerFor[ListCollectionsInput, *ListCollectionsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListCollectionsInput) (*mcp.CallToolResult, *ListCollectionsResult, error) {
		all, err := c.Collections()
		if err != nil {
			return nil, nil, err
		}

		result := &ListCollectionsResult{Collections: make([]CollectionEntry, 0, len(all))}

		for _, md := range all {
			n, err := c.ItemCount(md.Sid)
			if err != nil {
				return nil, nil, err
			}

			entry := CollectionEntry{
				Sid:         md.Sid,
				UniqueName:  md.UniqueName,
				Type:        string(md.Type),
				Revision:    md.Revision,
				LastEventID: md.LastEventID,
				Items:       n,
			}

			if md.Type == cache.EntityDocument {
				entry.Data = decode(md.Data)
			}

			result.Collections = append(result.Collections, entry)
		}

		result.Total = len(result.Collections)

		return textResult(result), result, nil
	}
}

func getItemHandler(c *cache.Cache) mcp.ToolHandlerFor[GetItemInput, *GetItemResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input GetItemInput) (*mcp.CallToolResult, *GetItemResult, error) {
		md, err := resolve(c, input.Sid)
		if err != nil {
			return nil, nil, err
		}

		id, err := parseID(md, input.ID)
		if err != nil {
			return nil, nil, err
		}

		item, err := c.GetItem(md.Sid, id)
		if err != nil {
			return nil, nil, err
		}

		result := &GetItemResult{Sid: md.Sid, Status: "unknown"}

		switch {
		case item == nil:
		case item.IsRemoved:
			result.Status = "removed"
		default:
			result.Status = "cached"
			entry := toEntry(*item)
			result.Item = &entry
		}

		return textResult(result), result, nil
	}
}

func listItemsHandler(c *cache.Cache) mcp.ToolHandlerFor[ListItemsInput, *ListItemsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ListItemsInput) (*mcp.CallToolResult, *ListItemsResult, error) {
		md, err := resolve(c, input.Sid)
		if err != nil {
			return nil, nil, err
		}

		var start *cache.ItemID

		if input.Start != "" {
			id, err := parseID(md, input.Start)
			if err != nil {
				return nil, nil, err
			}

			start = &id
		}

		order := cache.Ascending
		if input.Descending {
			order = cache.Descending
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}

		limit = min(limit, maxListLimit)

		result := &ListItemsResult{Sid: md.Sid, Items: []ItemEntry{}, Complete: true}

		for item, err := range c.GetItemsInRange(ctx, md.Sid, start, order, limit, offline) {
			if errors.Is(err, errNotCached) {
				result.Complete = false
				break
			}

			if err != nil {
				return nil, nil, err
			}

			if len(result.Items) == limit {
				result.Complete = false
				break
			}

			result.Items = append(result.Items, toEntry(item))
		}

		return textResult(result), result, nil
	}
}

func offline(context.Context, string, *cache.ItemID, cache.Order, int) (cache.Page, error) {
	return cache.Page{}, errNotCached
}

func resolve(c *cache.Cache, sidOrName string) (*cache.Metadata, error) {
	md, err := c.GetMetadata(sidOrName)
	if err != nil {
		return nil, err
	}

	if md == nil {
		md, err = c.GetMetadataByUniqueName(sidOrName)
		if err != nil {
			return nil, err
		}
	}

	if md == nil {
		return nil, fmt.Errorf("no cached entity %q", sidOrName)
	}

	return md, nil
}

func parseID(md *cache.Metadata, raw string) (cache.ItemID, error) {
	if md.Type != cache.EntityList {
		return cache.KeyID(raw), nil
	}

	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return cache.ItemID{}, fmt.Errorf("list index %q: %w", raw, err)
	}

	return cache.IndexID(n), nil
}

func toEntry(item cache.ItemData) ItemEntry {
	entry := ItemEntry{
		ID:          item.ID.String(),
		Revision:    item.Revision,
		LastEventID: item.LastEventID,
		Data:        decode(item.Data),
	}

	if !item.DateUpdated.IsZero() {
		entry.DateUpdated = item.DateUpdated.Format(time.RFC3339)
	}

	return entry
}

// decode turns stored JSON into a value the output schema accepts.
func decode(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}

	return v
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
