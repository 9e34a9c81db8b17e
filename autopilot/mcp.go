package autopilot

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/seopilot/kit"
)

// RegisterMCP registers the autopilot tools on an MCP server. MCP is an
// operator surface: tools act on any site by ID.
func (p *Pilot) RegisterMCP(srv *mcp.Server) {
	p.registerListRulesTool(srv)
	p.registerManifestTool(srv)
	p.registerUndoTool(srv)
	p.registerRunCycleTool(srv)
	p.registerEventsTool(srv)
	p.registerEnergyTool(srv)
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

var siteIDProp = map[string]any{"type": "string", "description": "Site ID"}

type siteRequest struct {
	SiteID string `json:"site_id"`
	Limit  int    `json:"limit,omitempty"`
	Type   string `json:"type,omitempty"`
	Active bool   `json:"active_only,omitempty"`
	RuleID string `json:"rule_id,omitempty"`
}

// decodeSite decodes the arguments and tags the context with the site.
func decodeSite(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r siteRequest
	if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
		return nil, err
	}
	if r.SiteID == "" {
		return nil, errors.New("site_id required")
	}
	return &kit.MCPDecodeResult{
		Request:   &r,
		EnrichCtx: func(ctx context.Context) context.Context { return kit.WithSiteID(ctx, r.SiteID) },
	}, nil
}

// --- rules ---

func (p *Pilot) registerListRulesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "seopilot_list_rules",
		Description: "List a site's optimization rules in creation order.",
		InputSchema: inputSchema(map[string]any{
			"site_id":     siteIDProp,
			"active_only": map[string]any{"type": "boolean", "description": "Only active rules"},
		}, []string{"site_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*siteRequest)
		return p.ListRules(ctx, r.SiteID, r.Active)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeSite)
}

func (p *Pilot) registerManifestTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "seopilot_manifest",
		Description: "Compile the manifest the site's agent would receive now.",
		InputSchema: inputSchema(map[string]any{"site_id": siteIDProp}, []string{"site_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return p.Manifest(ctx, req.(*siteRequest).SiteID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeSite)
}

func (p *Pilot) registerUndoTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "seopilot_undo",
		Description: "Deactivate a rule and record the undo in the audit log.",
		InputSchema: inputSchema(map[string]any{
			"site_id": siteIDProp,
			"rule_id": map[string]any{"type": "string", "description": "Rule ID"},
		}, []string{"site_id", "rule_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*siteRequest)
		if r.RuleID == "" {
			return nil, errors.New("rule_id required")
		}
		return p.Undo(ctx, r.SiteID, r.RuleID, "mcp")
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeSite)
}

// --- loop ---

func (p *Pilot) registerRunCycleTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "seopilot_run_cycle",
		Description: "Run the optimization pipeline for one site now and return the cycle report.",
		InputSchema: inputSchema(map[string]any{"site_id": siteIDProp}, []string{"site_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return p.RunCycle(ctx, req.(*siteRequest).SiteID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeSite)
}

func (p *Pilot) registerEventsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "seopilot_events",
		Description: "Audit events of a site, newest first.",
		InputSchema: inputSchema(map[string]any{
			"site_id": siteIDProp,
			"type":    map[string]any{"type": "string", "description": "Filter by event type"},
			"limit":   map[string]any{"type": "integer", "description": "Max events (default 50)"},
		}, []string{"site_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*siteRequest)
		if r.Limit <= 0 {
			r.Limit = 50
		}
		return p.Events(ctx, r.SiteID, r.Type, r.Limit)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeSite)
}

func (p *Pilot) registerEnergyTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "seopilot_energy",
		Description: "Today's energy consumption and ceiling for a site.",
		InputSchema: inputSchema(map[string]any{"site_id": siteIDProp}, []string{"site_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return p.Energy(ctx, req.(*siteRequest).SiteID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeSite)
}
