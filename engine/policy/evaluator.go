// Package policy implements the capability policy overlay: a glob-tiered
// allow/deny evaluator for guest capability requests (filesystem paths,
// timer registration, module imports, …), plus an append-only JSON-lines
// audit trail.
//
// There are only two effects, allow and deny. A capability check happens
// inside a synchronous V8 callback with no interactive user to ask, so
// policy files written with prompt-style effects ("prompt_once",
// "prompt_always", "user_grant") are tolerated on load and treated as
// deny.
//
// Capability targets are virtual-filesystem paths or module specifiers:
// always slash-separated, absolute when they are paths, and already
// normalized by the filesystem layer before they reach the evaluator.
// There is deliberately no home-directory expansion and no relative-path
// anchoring here; a relative target in a rule simply never matches a
// request.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Effect is the evaluated outcome of a capability check.
type Effect int

const (
	EffectAllow Effect = iota
	EffectDeny
)

func (e Effect) String() string {
	if e == EffectAllow {
		return "allow"
	}
	return "deny"
}

// DecisionSource identifies which layer produced a Decision.
type DecisionSource int

const (
	SourceManifest DecisionSource = iota
	SourcePolicyOverride
	SourceDefaultDeny
)

func (s DecisionSource) String() string {
	switch s {
	case SourceManifest:
		return "manifest"
	case SourcePolicyOverride:
		return "policy_override"
	case SourceDefaultDeny:
		return "default_deny"
	default:
		return fmt.Sprintf("DecisionSource(%d)", int(s))
	}
}

// CapabilityKey identifies one capability request: a resource ("fs",
// "timers", "module", "net", …), an action ("read", "write", "set",
// "import", …), and an optional target (a path, a module specifier).
type CapabilityKey struct {
	Resource string
	Action   string
	Target   string
}

// NewCapabilityKey builds a CapabilityKey for a request.
func NewCapabilityKey(resource, action, target string) CapabilityKey {
	return CapabilityKey{Resource: resource, Action: action, Target: target}
}

// Raw renders the key in "resource:action[:target]" form, the same shape
// used as a map key in the on-disk policy file.
func (k CapabilityKey) Raw() string {
	if k.Target == "" {
		return k.Resource + ":" + k.Action
	}
	return k.Resource + ":" + k.Action + ":" + k.Target
}

// isGlob reports whether the key's target is a glob pattern rather than a
// literal path.
func (k CapabilityKey) isGlob() bool {
	return strings.ContainsAny(k.Target, "*?[")
}

// PermissionMode is a grant's mode as declared by a caller-supplied
// PermissionRule (for a run, ContextOptions.PolicyRules). Kept distinct
// from Effect: a rule is a policy input, Effect is the evaluator's output.
type PermissionMode int

const (
	PermissionAllow PermissionMode = iota
	PermissionDeny
)

func (m PermissionMode) effect() Effect {
	if m == PermissionAllow {
		return EffectAllow
	}
	return EffectDeny
}

// PermissionRule is one manifest-declared capability grant.
type PermissionRule struct {
	Key  CapabilityKey
	Mode PermissionMode
}

// Decision is the result of evaluating a capability request.
type Decision struct {
	Effect      Effect
	MatchedRule *PermissionRule // nil for default-deny
	Source      DecisionSource
}

// PolicyFile is the on-disk format of the capability policy override file.
type PolicyFile struct {
	Version   int                               `json:"version"`
	Overrides map[string]map[string]PolicyEntry `json:"overrides"` // sessionID -> capability key -> entry
}

// PolicyEntry is a single persisted override.
type PolicyEntry struct {
	Effect string `json:"effect"` // "allow" or "deny"
	Reason string `json:"reason"` // "override"
}

const policyFileVersion = 1

// Evaluator checks capability requests against manifest rules and
// per-session policy overrides.
type Evaluator struct {
	mu         sync.Mutex
	policyPath string
	overrides  map[string]map[string]PolicyEntry
}

// NewEvaluator creates an evaluator that loads overrides from policyPath.
// A missing policy file is not an error — it means no overrides exist yet.
func NewEvaluator(policyPath string) (*Evaluator, error) {
	e := &Evaluator{
		policyPath: policyPath,
		overrides:  make(map[string]map[string]PolicyEntry),
	}
	if policyPath != "" {
		if err := e.LoadPolicy(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// LoadPolicy (re)loads the policy file from disk. Safe for concurrent use.
func (e *Evaluator) LoadPolicy() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := os.ReadFile(e.policyPath)
	if errors.Is(err, os.ErrNotExist) {
		e.overrides = make(map[string]map[string]PolicyEntry)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}

	var pf PolicyFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}
	if pf.Version != policyFileVersion {
		return fmt.Errorf("unsupported policy file version %d (expected %d)", pf.Version, policyFileVersion)
	}

	// Re-key every entry through the same canonicalizer Evaluate uses, so
	// a hand-edited file with an uncleaned path still matches at lookup
	// time, and fold legacy effect spellings to deny.
	e.overrides = make(map[string]map[string]PolicyEntry, len(pf.Overrides))
	for session, entries := range pf.Overrides {
		canon := make(map[string]PolicyEntry, len(entries))
		for raw, entry := range entries {
			canon[canonicalRawKey(raw)] = PolicyEntry{Effect: normalizeEffect(entry.Effect), Reason: "override"}
		}
		e.overrides[session] = canon
	}
	return nil
}

// normalizeEffect folds legacy prompt_once/prompt_always spellings into
// deny; unknown spellings are treated as deny (default-closed).
func normalizeEffect(effect string) string {
	if effect == "allow" {
		return "allow"
	}
	return "deny"
}

// Evaluate checks a capability request. Precedence, most binding first:
// a persisted per-session override, then manifest rules with an exact
// target match, then glob-target rules, then broad (target-less) rules,
// then default deny. Within one band a deny rule beats any allow rule.
func (e *Evaluator) Evaluate(sessionID string, requested CapabilityKey, rules []PermissionRule) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if entries, ok := e.overrides[sessionID]; ok {
		if entry, ok := entries[overrideKey(requested)]; ok {
			return Decision{Effect: entryEffect(entry.Effect), Source: SourcePolicyOverride}
		}
	}

	reqTarget := cleanTarget(requested.Target)
	var exact, glob, broad []*PermissionRule
	for i := range rules {
		rule := &rules[i]
		if rule.Key.Resource != requested.Resource || rule.Key.Action != requested.Action {
			continue
		}
		switch {
		case rule.Key.Target == "":
			broad = append(broad, rule)
		case requested.Target == "":
			// A targeted rule cannot match a target-less request.
		case cleanTarget(rule.Key.Target) == reqTarget:
			exact = append(exact, rule)
		case rule.Key.isGlob() && globMatches(cleanTarget(rule.Key.Target), reqTarget):
			glob = append(glob, rule)
		}
	}

	for _, band := range [][]*PermissionRule{exact, glob, broad} {
		if rule := mostRestrictive(band); rule != nil {
			return Decision{Effect: rule.Mode.effect(), MatchedRule: rule, Source: SourceManifest}
		}
	}
	return Decision{Effect: EffectDeny, Source: SourceDefaultDeny}
}

// mostRestrictive picks the rule that decides a band: the first deny if
// one exists, else the first allow, else nil for an empty band.
func mostRestrictive(band []*PermissionRule) *PermissionRule {
	var allow *PermissionRule
	for _, rule := range band {
		if rule.Mode == PermissionDeny {
			return rule
		}
		if allow == nil {
			allow = rule
		}
	}
	return allow
}

// SetOverride persists a capability override for a session to the policy
// file.
func (e *Evaluator) SetOverride(sessionID string, key CapabilityKey, allow bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	effect := "deny"
	if allow {
		effect = "allow"
	}
	if e.overrides[sessionID] == nil {
		e.overrides[sessionID] = make(map[string]PolicyEntry)
	}
	e.overrides[sessionID][overrideKey(key)] = PolicyEntry{Effect: effect, Reason: "override"}

	return e.savePolicyLocked()
}

// savePolicyLocked stages the policy document next to its final path and
// renames it into place, so a crash mid-write never truncates the live
// file. Caller must hold e.mu.
func (e *Evaluator) savePolicyLocked() error {
	doc := PolicyFile{Version: policyFileVersion, Overrides: e.overrides}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode policy file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(e.policyPath), 0o700); err != nil {
		return fmt.Errorf("create policy directory: %w", err)
	}
	staged := e.policyPath + ".tmp"
	if err := os.WriteFile(staged, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("stage policy file: %w", err)
	}
	if err := os.Rename(staged, e.policyPath); err != nil {
		os.Remove(staged)
		return fmt.Errorf("replace policy file: %w", err)
	}
	return nil
}

// cleanTarget canonicalizes a capability target. Targets are VFS paths or
// module specifiers, both slash-separated, so POSIX path.Clean is the
// right canonicalizer.
func cleanTarget(target string) string {
	if target == "" {
		return ""
	}
	return path.Clean(target)
}

// overrideKey is the canonical map key an override is stored and looked
// up under.
func overrideKey(key CapabilityKey) string {
	key.Target = cleanTarget(key.Target)
	return key.Raw()
}

// canonicalRawKey applies the overrideKey canonicalization to a raw
// "resource:action[:target]" string read from disk.
func canonicalRawKey(raw string) string {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 3 {
		return raw
	}
	return overrideKey(CapabilityKey{Resource: parts[0], Action: parts[1], Target: parts[2]})
}

func globMatches(pattern, target string) bool {
	ok, err := doublestar.Match(pattern, target)
	return err == nil && ok
}

func entryEffect(effect string) Effect {
	if effect == "allow" {
		return EffectAllow
	}
	return EffectDeny
}
