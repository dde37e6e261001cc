package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Settings is the permission configuration merged from the settings.json
// chain.
type Settings struct {
	Permissions PermissionSettings `json:"permissions,omitempty"`
}

// PermissionSettings defines confirmation auto-answer rules. Rules use the
// format "tool(pattern)" where the pattern matches the confirmation's path
// or command with doublestar glob syntax.
//
// Example rules:
//   - "edit_file(/workspace/**)" - auto-approve edits under /workspace
//   - "tool_call(git status)"    - auto-approve one exact command
//   - "edit_file(**/.env)"       - deny rules usually guard secrets
type PermissionSettings struct {
	// Allow contains patterns answered with allow, no user involved.
	Allow []string `json:"allow,omitempty"`

	// Deny contains patterns answered with reject. Deny wins over allow
	// and over session grants.
	Deny []string `json:"deny,omitempty"`
}

// NewSettings creates empty settings.
func NewSettings() *Settings {
	return &Settings{}
}

// LoadSettings loads and merges the settings chain, lowest priority first.
// Unreadable or malformed files are skipped.
func LoadSettings() *Settings {
	settings := NewSettings()

	var sources []string
	if home, err := os.UserHomeDir(); err == nil {
		sources = append(sources, filepath.Join(home, ".gembridge", "settings.json"))
	}
	sources = append(sources,
		filepath.Join(".gembridge", "settings.json"),
		filepath.Join(".gembridge", "settings.local.json"),
	)

	for _, src := range sources {
		data, err := os.ReadFile(src)
		if err != nil {
			continue
		}
		var s Settings
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		settings = MergeSettings(settings, &s)
	}

	return settings
}

// MergeSettings overlays settings; overlay rule lists replace base lists
// when set.
func MergeSettings(base, overlay *Settings) *Settings {
	if base == nil {
		return overlay
	}
	if overlay == nil {
		return base
	}
	result := NewSettings()
	result.Permissions.Allow = base.Permissions.Allow
	result.Permissions.Deny = base.Permissions.Deny
	if overlay.Permissions.Allow != nil {
		result.Permissions.Allow = overlay.Permissions.Allow
	}
	if overlay.Permissions.Deny != nil {
		result.Permissions.Deny = overlay.Permissions.Deny
	}
	return result
}

// SessionGrants tracks runtime permission state for one session, recording
// alwaysAllow / alwaysAllowTool outcomes so later matching requests
// auto-approve.
type SessionGrants struct {
	// AllowedTools holds tool names granted by alwaysAllowTool.
	AllowedTools map[string]bool

	// AllowedRules holds full "tool(arg)" rules granted by alwaysAllow.
	AllowedRules map[string]bool
}

// NewSessionGrants creates an empty grant set.
func NewSessionGrants() *SessionGrants {
	return &SessionGrants{
		AllowedTools: make(map[string]bool),
		AllowedRules: make(map[string]bool),
	}
}

// AllowTool grants every future request from a tool.
func (g *SessionGrants) AllowTool(tool string) {
	g.AllowedTools[tool] = true
}

// AllowRule grants future requests matching one exact rule.
func (g *SessionGrants) AllowRule(rule string) {
	g.AllowedRules[rule] = true
}

// Grants reports whether the grant set covers a rule.
func (g *SessionGrants) Grants(rule string) bool {
	if g == nil {
		return false
	}
	tool, _ := splitRule(rule)
	if g.AllowedTools[tool] {
		return true
	}
	return g.AllowedRules[rule]
}
