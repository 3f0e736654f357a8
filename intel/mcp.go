package intel

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/compwatch/kit"
)

// RegisterMCP registers the read-only intel tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerListChanges(srv)
	s.registerGetChange(srv)
	s.registerListRuns(srv)
	s.registerSchemaStatus(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

func (s *Service) endpoint(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Logging(s.logger, name))(ep)
}

// decodeInto returns a decoder unmarshalling tool arguments into a fresh *T.
func decodeInto[T any]() func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p T
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}
}

func (s *Service) registerListChanges(srv *mcp.Server) {
	type req struct {
		TargetID string `json:"target_id"`
		Company  string `json:"company"`
		Category string `json:"category"`
		MinScore int    `json:"min_score"`
		Since    string `json:"since"`
		Limit    int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "intel_list_changes",
		Description: "List detected competitor changes with their relevance score, newest first",
		InputSchema: inputSchema(map[string]any{
			"target_id": map[string]any{"type": "string", "description": "Only this target"},
			"company":   map[string]any{"type": "string", "description": "Only this company"},
			"category":  map[string]any{"type": "string", "description": "product_update, pricing_change, messaging_change, partnership, other"},
			"min_score": map[string]any{"type": "integer", "description": "Minimum relevance score (1-10)"},
			"since":     map[string]any{"type": "string", "description": "RFC 3339 time or unix milliseconds"},
			"limit":     map[string]any{"type": "integer", "description": "Max results (default 100)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		since, err := parseSince(p.Since)
		if err != nil {
			return nil, err
		}
		return s.ListChanges(ctx, Filter{
			TargetID: p.TargetID, Company: p.Company, Category: p.Category,
			MinScore: p.MinScore, Since: since, Limit: p.Limit,
		})
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), decodeInto[req]())
}

func (s *Service) registerGetChange(srv *mcp.Server) {
	type req struct {
		ChangeID string `json:"change_id"`
	}

	tool := &mcp.Tool{
		Name:        "intel_get_change",
		Description: "Get one change with its diff, assessment and enrichment",
		InputSchema: inputSchema(map[string]any{
			"change_id": map[string]any{"type": "string", "description": "Change ID"},
		}, []string{"change_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		return s.GetChange(ctx, r.(*req).ChangeID)
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), decodeInto[req]())
}

func (s *Service) registerListRuns(srv *mcp.Server) {
	type req struct {
		Limit int `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "intel_list_runs",
		Description: "List recent pipeline runs with their counters",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max runs (default 20)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		return s.ListRuns(ctx, r.(*req).Limit)
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), decodeInto[req]())
}

func (s *Service) registerSchemaStatus(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "intel_schema_status",
		Description: "Report the store's recorded schema version, live checksum and lock",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.SchemaStatus(ctx)
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), decodeInto[req]())
}
