package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/contract"
	toolx "github.com/tanpawarit/Chative-Order-Orchestrator/agent/tool"
)

// idempotencyArg lets MCP clients pass the dispatcher idempotency key next to
// the operation arguments.
const idempotencyArg = "idempotency_key"

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// MCPInvoker is the dispatcher as seen by the MCP layer.
type MCPInvoker interface {
	Operations() []toolx.Operation
	Invoke(ctx context.Context, req contractx.ToolRequest) (contractx.ToolResult, error)
}

// mcpToolName maps inventory.reserve to inventory_reserve; dots are not
// accepted by every MCP client.
func mcpToolName(op string) string {
	return strings.ReplaceAll(op, ".", "_")
}

// NewMCPServer exposes every engine operation of the dispatcher as an MCP
// tool. Collaborator operations (classification, completion) stay internal.
func NewMCPServer(dispatcher MCPInvoker, version string) (*server.MCPServer, error) {
	s := server.NewMCPServer(
		"order-orchestrator",
		version,
		server.WithToolCapabilities(false),
		server.WithInstructions("Food ordering operations: inventory, kitchen, delivery, orders, support and refund policy."),
		server.WithRecovery(),
	)

	for _, op := range dispatcher.Operations() {
		if op.Name == toolx.IntentClassify || op.Name == toolx.TextComplete {
			continue
		}
		tool, err := mcpTool(op)
		if err != nil {
			return nil, err
		}
		s.AddTool(tool, mcpInvoke(dispatcher, op))
	}
	return s, nil
}

func mcpTool(op toolx.Operation) (mcp.Tool, error) {
	desc := op.Name
	raw := emptyObjectSchema
	if op.Info != nil {
		if op.Info.Desc != "" {
			desc = op.Info.Desc
		}
		if op.Info.ParamsOneOf != nil {
			sc, err := op.Info.ParamsOneOf.ToOpenAPIV3()
			if err != nil {
				return mcp.Tool{}, fmt.Errorf("schema for %s: %w", op.Name, err)
			}
			if sc != nil {
				b, err := json.Marshal(sc)
				if err != nil {
					return mcp.Tool{}, fmt.Errorf("marshal schema for %s: %w", op.Name, err)
				}
				raw = b
			}
		}
	}
	if op.Mutating {
		desc += " Pass idempotency_key to make retries safe."
	}
	return mcp.NewToolWithRawSchema(mcpToolName(op.Name), desc, raw), nil
}

func mcpInvoke(dispatcher MCPInvoker, op toolx.Operation) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		toolReq := contractx.ToolRequest{
			Tool:    op.Name,
			Version: op.Version,
			Args:    make(map[string]any, len(args)),
		}
		for k, v := range args {
			if k == idempotencyArg {
				if key, ok := v.(string); ok {
					toolReq.IdempotencyKey = key
				}
				continue
			}
			toolReq.Args[k] = v
		}

		res, err := dispatcher.Invoke(ctx, toolReq)
		if err != nil {
			log.Debug().Err(err).Str("tool", op.Name).Msg("mcp tool failed")
			return mcpError(fmt.Sprintf("%s: %v", contractx.KindOf(err), err)), nil
		}
		if len(res.Result) == 0 {
			return mcpText("null"), nil
		}
		return mcpText(string(res.Result)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
