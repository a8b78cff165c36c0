package agentreg

import (
	"github.com/querymt/qmt/internal/permission"
	"github.com/querymt/qmt/internal/provider"
	"github.com/querymt/qmt/pkg/types"
)

// LoadFromConfig layers cfg.Agent's overrides onto the registry's
// built-ins and registers any entry whose name isn't a built-in as a new
// custom agent, mirroring the merge-over-defaults shape
// internal/config.mergeConfig already uses for provider/agent config
// layers. Called once at process startup, after NewRegistry has seeded
// the built-ins.
func (r *Registry) LoadFromConfig(cfg *types.Config) {
	for name, ac := range cfg.Agent {
		base, err := r.Get(name)
		if err != nil {
			base = &Agent{Name: name, Mode: ModeSubagent}
		}
		r.Register(applyAgentConfig(base, ac))
	}
}

// applyAgentConfig returns a copy of base with every field ac sets
// overriding base's, leaving anything ac leaves zero untouched.
func applyAgentConfig(base *Agent, ac types.AgentConfig) *Agent {
	merged := *base
	merged.Tools = cloneToolMap(base.Tools)

	if ac.Model != "" {
		providerID, modelID := provider.ParseModelString(ac.Model)
		merged.Model = &ModelRef{ProviderID: providerID, ModelID: modelID}
	}
	if ac.Temperature != nil {
		merged.Temperature = *ac.Temperature
	}
	if ac.TopP != nil {
		merged.TopP = *ac.TopP
	}
	if ac.Prompt != "" {
		merged.Prompt = ac.Prompt
	}
	if ac.Description != "" {
		merged.Description = ac.Description
	}
	if ac.Color != "" {
		merged.Color = ac.Color
	}
	if ac.Mode != "" {
		merged.Mode = Mode(ac.Mode)
	}
	for toolName, enabled := range ac.Tools {
		merged.Tools[toolName] = enabled
	}
	if ac.Permission != nil {
		merged.Permission = applyPermissionConfig(merged.Permission, *ac.Permission)
	}
	// A config-defined agent is never treated as built-in, even when it
	// overrides a built-in by name: BuiltIn gates whether the registry
	// refuses to let a caller delete it, and a user who named their agent
	// "build" in config should still be able to Unregister it.
	merged.BuiltIn = false
	return &merged
}

func cloneToolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func applyPermissionConfig(base AgentPermission, pc types.PermissionConfig) AgentPermission {
	merged := base
	if pc.Edit != "" {
		merged.Edit = permission.PermissionAction(pc.Edit)
	}
	if pc.WebFetch != "" {
		merged.WebFetch = permission.PermissionAction(pc.WebFetch)
	}
	if pc.ExternalDir != "" {
		merged.ExternalDir = permission.PermissionAction(pc.ExternalDir)
	}
	if pc.DoomLoop != "" {
		merged.DoomLoop = permission.PermissionAction(pc.DoomLoop)
	}
	switch bash := pc.Bash.(type) {
	case string:
		if merged.Bash == nil {
			merged.Bash = map[string]permission.PermissionAction{}
		}
		merged.Bash["*"] = permission.PermissionAction(bash)
	case map[string]any:
		if merged.Bash == nil {
			merged.Bash = map[string]permission.PermissionAction{}
		}
		for pattern, action := range bash {
			if s, ok := action.(string); ok {
				merged.Bash[pattern] = permission.PermissionAction(s)
			}
		}
	}
	return merged
}
