package main

import "github.com/MegaGrindStone/mcp-engine/cmd/mcpengine/cmd"

func main() {
	cmd.Execute()
}
