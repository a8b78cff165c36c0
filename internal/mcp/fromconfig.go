package mcp

import (
	"context"

	"github.com/querymt/qmt/internal/logging"
	"github.com/querymt/qmt/internal/tool"
	"github.com/querymt/qmt/pkg/types"
)

// LoadFromConfig connects a server for every entry in cfg.MCP and registers
// each server's tools into the given tool.Registry, prefixed by the
// client's own naming convention (serverName_toolName). A server that fails
// to connect is logged and skipped rather than aborting the others — one
// misconfigured MCP server should not take down every other tool.
func LoadFromConfig(ctx context.Context, cfg *types.Config, registry *tool.Registry) (*Client, error) {
	client := NewClient()
	if cfg == nil {
		return client, nil
	}

	for name, mc := range cfg.MCP {
		if mc.Enabled != nil && !*mc.Enabled {
			continue
		}
		serverCfg := toMCPConfig(mc)
		if err := client.AddServer(ctx, name, serverCfg); err != nil {
			logging.Warn().Err(err).Str("server", name).Msg("mcp: failed to connect server")
			continue
		}
	}

	for _, t := range client.Tools() {
		registry.Register(NewMCPToolWrapper(t, client))
	}
	return client, nil
}

func toMCPConfig(mc types.MCPConfig) *Config {
	transport := TransportTypeStdio
	if mc.Type == "remote" {
		transport = TransportTypeRemote
	} else if mc.Type == "local" {
		transport = TransportTypeLocal
	}
	enabled := true
	if mc.Enabled != nil {
		enabled = *mc.Enabled
	}
	return &Config{
		Enabled:     enabled,
		Type:        transport,
		URL:         mc.URL,
		Headers:     mc.Headers,
		Command:     mc.Command,
		Environment: mc.Environment,
		Timeout:     mc.Timeout,
	}
}
