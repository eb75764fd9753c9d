package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	mcp "github.com/MegaGrindStone/mcp-engine"
)

// Flags shared by the call and connect commands.
var (
	toolName string
	toolArgs string
	listOnly bool
)

// runClient initializes client, then either lists the tools or calls one, printing the result
// as indented JSON.
func runClient(ctx context.Context, out io.Writer, client *mcp.Client, logger *slog.Logger) error {
	if _, err := client.Initialize(ctx); err != nil {
		return err
	}
	logger.Debug("connected", slog.String("server", client.ServerInfo().Name))

	var result any
	switch {
	case listOnly || toolName == "":
		if !client.ToolServerSupported() {
			return fmt.Errorf("server %s does not expose tools", client.ServerInfo().Name)
		}
		tools, err := client.ListTools(ctx)
		if err != nil {
			return err
		}
		result = tools
	default:
		res, err := client.CallTool(ctx, mcp.CallToolParams{
			Name:      toolName,
			Arguments: json.RawMessage(toolArgs),
		})
		if err != nil {
			return err
		}
		result = res
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

func addClientFlags(flags interface {
	StringVar(p *string, name, value, usage string)
	BoolVar(p *bool, name string, value bool, usage string)
},
) {
	flags.StringVar(&toolName, "tool", "", "tool to call; without it the tools are listed")
	flags.StringVar(&toolArgs, "args", "{}", "tool arguments as a JSON object")
	flags.BoolVar(&listOnly, "list", false, "list the tools instead of calling one")
}

func clientInfo() mcp.Info {
	return mcp.Info{Name: "mcpengine", Version: Version}
}
