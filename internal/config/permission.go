package config

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Decision is the outcome of a confirmation permission check.
type Decision int

const (
	// DecisionAsk means the request needs the user's answer.
	DecisionAsk Decision = iota

	// DecisionAllow means the coordinator answers allow automatically.
	DecisionAllow

	// DecisionDeny means the coordinator answers reject automatically.
	DecisionDeny
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDeny:
		return "deny"
	default:
		return "ask"
	}
}

// CheckRule decides how to answer a confirmation request whose invocation is
// described by rule ("tool(arg)"). Priority: deny rules first (they cannot
// be bypassed by session grants), then session grants, then allow rules,
// then ask.
func (s *Settings) CheckRule(rule string, grants *SessionGrants) Decision {
	for _, pattern := range s.Permissions.Deny {
		if MatchRule(rule, pattern) {
			return DecisionDeny
		}
	}
	if grants.Grants(rule) {
		return DecisionAllow
	}
	for _, pattern := range s.Permissions.Allow {
		if MatchRule(rule, pattern) {
			return DecisionAllow
		}
	}
	return DecisionAsk
}

// BuildRule builds the "tool(arg)" rule string for a confirmation request
// from its tool name and the path or command being approved.
func BuildRule(tool, arg string) string {
	return tool + "(" + arg + ")"
}

// MatchRule reports whether a rule matches a pattern. Tool names compare
// exactly. Path-style argument patterns (any that contain a separator or
// "**") match with doublestar globs, so "**" crosses path separators and
// "*" does not. Command-style patterns have no segment structure: their "*"
// matches anything, including separators inside path arguments, so "rm *"
// covers "rm -rf /tmp/x".
func MatchRule(rule, pattern string) bool {
	ruleTool, ruleArg := splitRule(rule)
	patTool, patArg := splitRule(pattern)
	if ruleTool != patTool {
		return false
	}
	if patArg == ruleArg {
		return true
	}
	if !pathGlob(patArg) {
		patArg = flattenSeparators(patArg)
		ruleArg = flattenSeparators(ruleArg)
	}
	ok, err := doublestar.Match(patArg, ruleArg)
	return err == nil && ok
}

// pathGlob reports whether a pattern argument addresses filesystem paths.
func pathGlob(arg string) bool {
	return strings.Contains(arg, "/") || strings.Contains(arg, "**")
}

// flattenSeparators hides path separators from the glob matcher so a
// command pattern's "*" can cross them.
func flattenSeparators(s string) string {
	return strings.ReplaceAll(s, "/", "\x00")
}

// splitRule parses "tool(arg)" into its parts.
func splitRule(s string) (tool, arg string) {
	tool, arg, found := strings.Cut(s, "(")
	if !found {
		return s, ""
	}
	return tool, strings.TrimSuffix(arg, ")")
}
