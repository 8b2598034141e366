package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/playpace/playpace/kit"
)

// RegisterMCP registers the playback-control tools on an MCP server.
func (c *Controller) RegisterMCP(srv *mcp.Server) {
	c.registerPagesTool(srv)
	c.registerMediaTool(srv)
	c.registerSetRateTool(srv)
	c.registerSeekTool(srv)
	c.registerLoopTool(srv)
	c.registerSettingsGetTool(srv)
	c.registerSettingsUpdateTool(srv)
	c.registerMediaInfoTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// --- pages_list ---

func (c *Controller) registerPagesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "playpace_pages",
		Description: "List observed pages with their active media handle and loop state.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return c.Pages(), nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- media_list ---

type mediaRequest struct {
	PageID string `json:"page_id"`
}

func (c *Controller) registerMediaTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "playpace_media",
		Description: "List tracked media elements on a page with selection scores. The active element receives keyboard and overlay actions.",
		InputSchema: inputSchema(map[string]any{
			"page_id": map[string]any{"type": "string", "description": "Page ID from playpace_pages"},
		}, []string{"page_id"}),
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*mediaRequest)
		return c.Media(r.PageID)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r mediaRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- set_rate ---

type setRateRequest struct {
	HandleID string  `json:"handle_id"`
	Rate     float64 `json:"rate"`
}

func (c *Controller) registerSetRateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "playpace_set_rate",
		Description: "Set the playback rate of a media element. The rate is clamped to [0.25, 4.0] and guarded against site-initiated resets for 500ms.",
		InputSchema: inputSchema(map[string]any{
			"handle_id": map[string]any{"type": "string", "description": "Media handle ID from playpace_media"},
			"rate":      map[string]any{"type": "number", "description": "Desired playback rate"},
		}, []string{"handle_id", "rate"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*setRateRequest)
		applied, err := c.SetRate(ctx, r.HandleID, r.Rate)
		if err != nil {
			return nil, err
		}
		return map[string]any{"handle_id": r.HandleID, "applied_rate": applied}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r setRateRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- seek ---

type seekRequest struct {
	HandleID string  `json:"handle_id"`
	Delta    float64 `json:"delta"`
}

func (c *Controller) registerSeekTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "playpace_seek",
		Description: "Move playback position by delta seconds (negative = backwards). Clamped to [0, duration].",
		InputSchema: inputSchema(map[string]any{
			"handle_id": map[string]any{"type": "string", "description": "Media handle ID"},
			"delta":     map[string]any{"type": "number", "description": "Seconds to move, negative for backwards"},
		}, []string{"handle_id", "delta"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*seekRequest)
		if err := c.SeekBy(ctx, r.HandleID, r.Delta); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok", "handle_id": r.HandleID}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r seekRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- loop ---

type loopRequest struct {
	HandleID string  `json:"handle_id"`
	A        float64 `json:"a"`
	B        float64 `json:"b"`
	Clear    bool    `json:"clear"`
}

func (c *Controller) registerLoopTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "playpace_loop",
		Description: "Set or clear an A-B loop on a media element. Playback jumps back to A whenever it reaches B.",
		InputSchema: inputSchema(map[string]any{
			"handle_id": map[string]any{"type": "string", "description": "Media handle ID"},
			"a":         map[string]any{"type": "number", "description": "Loop start in seconds"},
			"b":         map[string]any{"type": "number", "description": "Loop end in seconds, must be greater than a"},
			"clear":     map[string]any{"type": "boolean", "description": "Clear the loop instead of setting one"},
		}, []string{"handle_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*loopRequest)
		if r.Clear {
			if err := c.ClearLoopOn(ctx, r.HandleID); err != nil {
				return nil, err
			}
			return map[string]string{"status": "cleared", "handle_id": r.HandleID}, nil
		}
		if err := c.SetLoopRange(ctx, r.HandleID, r.A, r.B); err != nil {
			return nil, err
		}
		return map[string]any{"status": "looping", "handle_id": r.HandleID, "a": r.A, "b": r.B}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r loopRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- settings ---

func (c *Controller) registerSettingsGetTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "playpace_settings_get",
		Description: "Get current settings: rate step, seek seconds, remember mode, keymap, disabled domains.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return c.Settings(), nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (c *Controller) registerSettingsUpdateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "playpace_settings_update",
		Description: "Update settings. Omitted fields keep their current values. Rejected if the keymap binds one key to two actions.",
		InputSchema: inputSchema(map[string]any{
			"step":             map[string]any{"type": "number", "description": "Rate increment per keypress"},
			"seek_seconds":     map[string]any{"type": "number", "description": "Seconds per seek action"},
			"remember_mode":    map[string]any{"type": "string", "enum": []any{"off", "global", "perSite"}, "description": "Speed restore policy"},
			"keymap":           map[string]any{"type": "object", "description": "action → KeyboardEvent.code bindings"},
			"include_audio":    map[string]any{"type": "boolean", "description": "Track audio elements too"},
			"disabled_domains": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Domains where no actions apply"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*settingsUpdateRequest)
		if err := c.UpdateSettings(ctx, r.withBase(c.Settings()).toSettings()); err != nil {
			return nil, err
		}
		return c.Settings(), nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r settingsUpdateRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- media_info ---

type mediaInfoRequest struct {
	PageID string `json:"page_id"`
}

// registerMediaInfoTool exposes the observed page itself: current DOM,
// sanitised and converted to markdown, so an agent can read titles,
// chapter lists, and descriptions around the player.
func (c *Controller) registerMediaInfoTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "playpace_media_info",
		Description: "Render the observed page as markdown (sanitised) together with its tracked media handles. Useful for reading the title and description around a player.",
		InputSchema: inputSchema(map[string]any{
			"page_id": map[string]any{"type": "string", "description": "Page ID from playpace_pages"},
		}, []string{"page_id"}),
	}

	sanitizer := bluemonday.UGCPolicy()
	md := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)

	type mediaInfoResponse struct {
		PageID   string       `json:"page_id"`
		Markdown string       `json:"markdown"`
		Handles  []HandleInfo `json:"handles"`
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*mediaInfoRequest)

		handles, err := c.Media(r.PageID)
		if err != nil {
			return nil, err
		}

		html, err := c.watcher.PageHTML(ctx, r.PageID)
		if err != nil {
			return nil, fmt.Errorf("controller: page HTML: %w", err)
		}

		clean := sanitizer.Sanitize(html)
		text, err := md.ConvertString(clean)
		if err != nil {
			return nil, fmt.Errorf("controller: markdown convert: %w", err)
		}

		return &mediaInfoResponse{
			PageID:   r.PageID,
			Markdown: strings.TrimSpace(text),
			Handles:  handles,
		}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r mediaInfoRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
