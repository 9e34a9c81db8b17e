package autopilot

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/seopilot/autopilot/internal/store"
	"github.com/hazyhaar/seopilot/manifest"
	"github.com/hazyhaar/seopilot/synth"
)

var testImpl = &mcp.Implementation{Name: "seopilot-test", Version: "0.1.0"}

func mcpSession(t *testing.T, syn synth.Synthesizer) (*Pilot, *mcp.ClientSession) {
	t.Helper()
	p, _ := testPilot(t, syn, nil)

	srv := mcp.NewServer(testImpl, nil)
	p.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return p, session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	return tc.Text
}

func TestMCP_ListTools(t *testing.T) {
	_, session := mcpSession(t, nil)
	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		"seopilot_list_rules": true, "seopilot_manifest": true, "seopilot_undo": true,
		"seopilot_run_cycle": true, "seopilot_events": true, "seopilot_energy": true,
	}
	for _, tool := range res.Tools {
		delete(want, tool.Name)
	}
	if len(want) != 0 {
		t.Errorf("missing tools: %v", want)
	}
}

func TestMCP_CycleThenUndo(t *testing.T) {
	_, session := mcpSession(t, fixed(metaCandidate("/pricing", "Pricing", nil)))

	var rep Report
	if err := json.Unmarshal([]byte(callTool(t, session, "seopilot_run_cycle", map[string]any{"site_id": "s1"})), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Created != 1 {
		t.Fatalf("report = %+v", rep)
	}

	var rules []store.Rule
	if err := json.Unmarshal([]byte(callTool(t, session, "seopilot_list_rules", map[string]any{"site_id": "s1", "active_only": true})), &rules); err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("rules = %d", len(rules))
	}

	callTool(t, session, "seopilot_undo", map[string]any{"site_id": "s1", "rule_id": rules[0].ID})

	m, _, err := manifest.Decode([]byte(callTool(t, session, "seopilot_manifest", map[string]any{"site_id": "s1"})))
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Rules) != 0 {
		t.Errorf("manifest after undo = %v", m.Rules)
	}

	var events []store.Event
	if err := json.Unmarshal([]byte(callTool(t, session, "seopilot_events", map[string]any{"site_id": "s1", "type": "undo"})), &events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("undo events = %d", len(events))
	}

	var energy struct {
		Used int `json:"used"`
	}
	if err := json.Unmarshal([]byte(callTool(t, session, "seopilot_energy", map[string]any{"site_id": "s1"})), &energy); err != nil {
		t.Fatal(err)
	}
	if energy.Used != 1 {
		t.Errorf("energy used = %d", energy.Used)
	}
}

func TestMCP_MissingSiteIsToolError(t *testing.T) {
	_, session := mcpSession(t, nil)
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: "seopilot_energy", Arguments: map[string]any{}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected tool error")
	}
}
