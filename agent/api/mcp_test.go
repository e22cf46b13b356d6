package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/engine/inventory"
	"github.com/tanpawarit/Chative-Order-Orchestrator/agent/kv"
	toolx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/tool"
)

type stubClassifier struct{}

func (stubClassifier) Classify(context.Context, contractx.ClassifyRequest) (contractx.Intent, error) {
	return contractx.Intent{Name: "order", Confidence: 1, Worker: contractx.WorkerOrder}, nil
}

func newMCPDispatcher(t *testing.T) *toolx.Dispatcher {
	t.Helper()

	store := kv.NewMemoryStore()
	inv := inventory.New(store, inventory.Config{})
	if _, err := inv.Seed(context.Background(), inventory.DefaultItems()); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	d := toolx.NewDispatcher(store)
	if err := toolx.RegisterCatalog(d, toolx.Engines{Inventory: inv, Classifier: stubClassifier{}}); err != nil {
		t.Fatalf("RegisterCatalog() error = %v", err)
	}
	return d
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPServerListsEngineOperations(t *testing.T) {
	t.Parallel()

	d := newMCPDispatcher(t)
	s, err := NewMCPServer(d, "test")
	if err != nil {
		t.Fatalf("NewMCPServer() error = %v", err)
	}
	tools := s.ListTools()
	if _, ok := tools["inventory_check_availability"]; !ok {
		t.Fatalf("tools = %v, want inventory_check_availability", keys(tools))
	}
	if _, ok := tools["intent_classify"]; ok {
		t.Fatal("intent_classify is exposed, want it internal")
	}

	reserve := tools["inventory_reserve"].Tool
	if !strings.Contains(reserve.Description, "idempotency_key") {
		t.Fatalf("reserve description = %q, want idempotency hint", reserve.Description)
	}
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestMCPInvokeRoutesThroughDispatcher(t *testing.T) {
	t.Parallel()

	d := newMCPDispatcher(t)
	ctx := context.Background()
	op, ok := d.Lookup(toolx.InventoryCheck, 0)
	if !ok {
		t.Fatal("inventory check operation is not registered")
	}

	res, err := mcpInvoke(d, op)(ctx, makeCallToolRequest("inventory_check_availability", map[string]any{"item_id": "drink_water"}))
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if res.IsError {
		t.Fatalf("result is error: %s", toolText(t, res))
	}
	if !strings.Contains(toolText(t, res), "150") {
		t.Fatalf("result = %s, want 150 available", toolText(t, res))
	}

	res, err = mcpInvoke(d, op)(ctx, makeCallToolRequest("inventory_check_availability", map[string]any{"item_id": "unicorn"}))
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if !res.IsError || !strings.HasPrefix(toolText(t, res), string(contractx.KindNotFound)) {
		t.Fatalf("unknown item result = %+v, want not_found error", res)
	}
}

func TestMCPInvokeReplaysIdempotentReservation(t *testing.T) {
	t.Parallel()

	d := newMCPDispatcher(t)
	ctx := context.Background()
	op, ok := d.Lookup(toolx.InventoryReserve, 0)
	if !ok {
		t.Fatal("reserve operation is not registered")
	}
	args := map[string]any{"item_id": "drink_water", "quantity": 2, "order_id": "ord-1", idempotencyArg: "checkout-1"}

	first, err := mcpInvoke(d, op)(ctx, makeCallToolRequest("inventory_reserve", args))
	if err != nil || first.IsError {
		t.Fatalf("first reserve = %+v, %v", first, err)
	}
	second, err := mcpInvoke(d, op)(ctx, makeCallToolRequest("inventory_reserve", args))
	if err != nil || second.IsError {
		t.Fatalf("second reserve = %+v, %v", second, err)
	}

	var a, b struct {
		ReservationID string `json:"reservation_id"`
	}
	if err := json.Unmarshal([]byte(toolText(t, first)), &a); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if err := json.Unmarshal([]byte(toolText(t, second)), &b); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if a.ReservationID == "" || a.ReservationID != b.ReservationID {
		t.Fatalf("reservations = %q, %q, want one replayed id", a.ReservationID, b.ReservationID)
	}
}
