package everything

import (
	"context"
	"encoding/json"
	"fmt"

	mcp "github.com/MegaGrindStone/mcp-engine"
)

// serverInfoResource describes the running server. It is computed on every read so the
// session and tool counts are current.
type serverInfoResource struct {
	srv *mcp.Server
}

const serverInfoURI = "info://server"

func registerResources(srv *mcp.Server, files []string) {
	srv.RegisterResource(serverInfoResource{srv: srv})
	for _, path := range files {
		srv.RegisterResource(mcp.FileResource{Path: path})
	}
}

func (r serverInfoResource) Info() mcp.Resource {
	return mcp.Resource{
		URI:         serverInfoURI,
		Name:        "Server information",
		Description: "Name, version and live statistics of this server",
		MimeType:    "application/json",
	}
}

func (r serverInfoResource) Read(context.Context) ([]mcp.ResourceContents, error) {
	tools := r.srv.Tools()
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}

	bs, err := json.Marshal(map[string]any{
		"name":     r.srv.Info().Name,
		"version":  r.srv.Info().Version,
		"protocol": mcp.ProtocolVersion,
		"sessions": r.srv.Sessions().Len(),
		"tools":    names,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal server info: %w", err)
	}

	return []mcp.ResourceContents{{
		URI:      serverInfoURI,
		MimeType: "application/json",
		Text:     string(bs),
	}}, nil
}
