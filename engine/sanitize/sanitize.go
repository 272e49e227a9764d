// Package sanitize classifies errors crossing the host/guest boundary and
// scrubs them of host paths, runtime-internal frames, and secret-bearing
// substrings before they reach a caller.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is the fixed classification of a sanitized error.
type Kind string

const (
	KindReference          Kind = "Reference"
	KindType               Kind = "Type"
	KindSyntax             Kind = "Syntax"
	KindRange              Kind = "Range"
	KindTimeout            Kind = "Timeout"
	KindCPULimit           Kind = "CpuLimit"
	KindMemoryLimit        Kind = "MemoryLimit"
	KindQuota              Kind = "Quota"
	KindPermission         Kind = "Permission"
	KindNotFound           Kind = "NotFound"
	KindCircularDependency Kind = "CircularDependency"
	KindModuleDenied       Kind = "ModuleDenied"
	KindModuleNotFound     Kind = "ModuleNotFound"
	KindSessionExpired     Kind = "SessionExpired"
	KindMaxExecutions      Kind = "MaxExecutionsReached"
	KindRuntime            Kind = "Runtime"
	KindUnknown            Kind = "Unknown"

	// Additional VFS-only kinds, surfaced to callers as SanitizedError.kind
	// values. Only DirectoryNotEmpty has a code of its own; the others
	// report Code "UNKNOWN_ERROR".
	KindIsDirectory       Kind = "IsDirectory"
	KindNotADirectory     Kind = "NotADirectory"
	KindParentNotFound    Kind = "ParentNotFound"
	KindDirectoryNotEmpty Kind = "DirectoryNotEmpty"
	KindCannotDeleteRoot  Kind = "CannotDeleteRoot"
	KindInvalidPath       Kind = "InvalidPath"
)

// Code returns the stable machine-readable code for a Kind.
func (k Kind) Code() string {
	switch k {
	case KindReference:
		return "REFERENCE_ERROR"
	case KindType:
		return "TYPE_ERROR"
	case KindSyntax:
		return "SYNTAX_ERROR"
	case KindRange:
		return "RANGE_ERROR"
	case KindTimeout:
		return "TIMEOUT_ERROR"
	case KindCPULimit:
		return "CPU_LIMIT_ERROR"
	case KindMemoryLimit:
		return "MEMORY_LIMIT_ERROR"
	case KindQuota:
		return "QUOTA_EXCEEDED"
	case KindPermission:
		return "PERMISSION_DENIED"
	case KindNotFound:
		return "FILE_NOT_FOUND"
	case KindDirectoryNotEmpty:
		return "DIRECTORY_NOT_EMPTY"
	case KindCircularDependency:
		return "CIRCULAR_DEPENDENCY"
	case KindModuleDenied:
		return "MODULE_DENIED"
	case KindModuleNotFound:
		return "MODULE_NOT_FOUND"
	case KindSessionExpired:
		return "SESSION_EXPIRED"
	case KindMaxExecutions:
		return "MAX_EXECUTIONS_REACHED"
	case KindRuntime:
		return "RUNTIME_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// Error is a classified, scrubbed error suitable for crossing the
// host/guest boundary (SanitizedError in the data model).
type Error struct {
	Kind           Kind
	Message        string
	Code           string
	Line           int
	Column         int
	SanitizedStack string
	CodeContext    string
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (%d:%d)", e.Kind, e.Message, e.Line, e.Column)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds a SanitizedError of the given kind with a pre-scrubbed message.
// Used by components (vfs, module, runtime, session, sandbox) that already know the
// precise kind of a failure without needing guest-stack classification.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Code: kind.Code()}
}

// hostPathPatterns match path prefixes that must never reach a caller.
var hostPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/Users/[^\s:]+`),
	regexp.MustCompile(`/home/[^\s:]+`),
	regexp.MustCompile(`/tmp/[^\s:]+`),
	regexp.MustCompile(`[A-Za-z]:\\Users\\[^\s:]+`),
	regexp.MustCompile(`node_modules/[^\s:]+`),
}

// secretPatterns flag messages that must be replaced with generic phrasing.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\.env\b`),
	regexp.MustCompile(`(?i)secret`),
	regexp.MustCompile(`(?i)\bkey\b`),
	regexp.MustCompile(`(?i)token`),
	regexp.MustCompile(`(?i)password`),
}

// guestFrameRe matches a stack frame pointing at guest source, e.g.
// "at foo (/virtual/guest.js:10:4)".
var guestFrameRe = regexp.MustCompile(`\(?([\w./-]+\.(?:js|ts)):(\d+):(\d+)\)?`)

// runtimeInternalRe matches frames belonging to the host execution engine
// itself rather than guest code (anything mentioning the kernel's own
// package paths).
var runtimeInternalRe = regexp.MustCompile(`ember/(engine|sandbox|internal)/`)

// Sanitizer converts raw guest errors into SanitizedError values.
type Sanitizer struct {
	// Source, when non-empty, is the original guest source for the current
	// run — used to build a 3-line code-context window.
	Source string
}

// Classify inspects a raw error/message and its JS-side name to determine
// a Kind. jsName is the guest error's constructor name (e.g. "TypeError"),
// empty if unknown.
func Classify(jsName string, fallback Kind) Kind {
	switch jsName {
	case "ReferenceError":
		return KindReference
	case "TypeError":
		return KindType
	case "SyntaxError":
		return KindSyntax
	case "RangeError":
		return KindRange
	default:
		if fallback != "" {
			return fallback
		}
		return KindRuntime
	}
}

// Sanitize builds a SanitizedError from a raw message, stack, and kind.
func (s *Sanitizer) Sanitize(kind Kind, message, stack string, line, column int) *Error {
	cleanMsg := scrubSecrets(message)
	cleanStack := s.scrubStack(stack)

	if line == 0 && column == 0 {
		line, column = extractLineCol(cleanStack)
	}

	var ctx string
	if s.Source != "" && line > 0 {
		ctx = codeContext(s.Source, line)
	}

	return &Error{
		Kind:           kind,
		Message:        cleanMsg,
		Code:           kind.Code(),
		Line:           line,
		Column:         column,
		SanitizedStack: cleanStack,
		CodeContext:    ctx,
	}
}

// scrubStack strips host path prefixes and runtime-internal frames, and
// rewrites guest frames to the opaque "[sandbox:line:col]" form.
func (s *Sanitizer) scrubStack(stack string) string {
	if stack == "" {
		return ""
	}
	lines := strings.Split(stack, "\n")
	var out []string
	for _, line := range lines {
		if runtimeInternalRe.MatchString(line) {
			continue // drop host-engine-internal frames entirely
		}
		hasHostPath := false
		for _, re := range hostPathPatterns {
			if re.MatchString(line) {
				hasHostPath = true
				break
			}
		}
		if m := guestFrameRe.FindStringSubmatch(line); m != nil {
			rewritten := guestFrameRe.ReplaceAllString(line, fmt.Sprintf("[sandbox:%s:%s]", m[2], m[3]))
			out = append(out, rewritten)
			continue
		}
		if hasHostPath {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// scrubSecrets replaces a message with generic phrasing if it contains any
// secret-bearing pattern, and always strips raw host path fragments.
func scrubSecrets(message string) string {
	for _, re := range secretPatterns {
		if re.MatchString(message) {
			return "an internal error occurred (message withheld: contains sensitive content)"
		}
	}
	cleaned := message
	for _, re := range hostPathPatterns {
		cleaned = re.ReplaceAllString(cleaned, "[host-path]")
	}
	return cleaned
}

func extractLineCol(stack string) (int, int) {
	m := regexp.MustCompile(`\[sandbox:(\d+):(\d+)\]`).FindStringSubmatch(stack)
	if m == nil {
		return 0, 0
	}
	var line, col int
	fmt.Sscanf(m[1], "%d", &line)
	fmt.Sscanf(m[2], "%d", &col)
	return line, col
}

// codeContext returns a 3-line window around line (1-indexed), marking the
// offending line with "> ".
func codeContext(source string, line int) string {
	lines := strings.Split(source, "\n")
	if line < 1 || line > len(lines) {
		return ""
	}
	start := line - 2
	if start < 1 {
		start = 1
	}
	end := line + 1
	if end > len(lines) {
		end = len(lines)
	}
	var b strings.Builder
	for i := start; i <= end; i++ {
		marker := "  "
		if i == line {
			marker = "> "
		}
		fmt.Fprintf(&b, "%s%d | %s\n", marker, i, lines[i-1])
	}
	return strings.TrimRight(b.String(), "\n")
}
