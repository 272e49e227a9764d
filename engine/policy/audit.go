package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// AuditEntry is one capability-check record in a session's JSON-lines
// audit log. Target and Error are the only guest-influenced fields (guest
// code picks its own file names, and those names flow into the entry), so
// they are the only fields the redaction pass touches.
type AuditEntry struct {
	Timestamp   string `json:"timestamp"` // RFC3339
	ExecutionID string `json:"execution_id"`
	Capability  string `json:"capability"` // e.g. "fs:write"
	Target      string `json:"target,omitempty"`
	Decision    string `json:"decision"` // "allowed" or "denied"
	Source      string `json:"source"`   // "manifest", "policy_override", "default_deny"
	Error       string `json:"error,omitempty"`
}

// AuditLogger appends capability-check entries to a session-scoped
// JSON-lines file.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func auditPath(stateDir, sessionID string) string {
	return filepath.Join(stateDir, fmt.Sprintf("audit-%s.jsonl", sessionID))
}

// NewAuditLogger opens (or creates) the audit log for sessionID under
// stateDir, creating stateDir as needed.
func NewAuditLogger(sessionID, stateDir string) (*AuditLogger, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	file, err := os.OpenFile(auditPath(stateDir, sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLogger{file: file, enc: json.NewEncoder(file)}, nil
}

// Log appends one entry, stamping the timestamp and redacting
// guest-influenced fields.
func (a *AuditLogger) Log(entry AuditEntry) error {
	entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	entry.Target = redactTarget(entry.Target)
	entry.Error = redactMessage(entry.Error)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enc == nil {
		return errors.New("audit logger closed")
	}
	if err := a.enc.Encode(entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Close flushes and closes the log. Idempotent.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	syncErr := a.file.Sync()
	closeErr := a.file.Close()
	a.file = nil
	a.enc = nil
	if syncErr != nil {
		return fmt.Errorf("sync audit log: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close audit log: %w", closeErr)
	}
	return nil
}

// secretRe flags names and messages that look like they carry
// credentials. The audit log outlives its session on disk, so it must not
// become a secret sink via guest-chosen file names or error text.
var secretRe = regexp.MustCompile(`(?i)secret|token|password|credential|api[-_]?key|\bauth`)

// redactTarget masks only the secret-looking segments of a path-shaped
// target, keeping the rest intact so the entry stays useful. A target
// with no slashes (a module specifier) is masked whole when it matches.
func redactTarget(target string) string {
	if !secretRe.MatchString(target) {
		return target
	}
	segments := strings.Split(target, "/")
	for i, seg := range segments {
		if secretRe.MatchString(seg) {
			segments[i] = "[redacted]"
		}
	}
	return strings.Join(segments, "/")
}

// redactMessage masks a whole error message when it matches; partial
// masking is not worth the risk of leaving a secret's tail behind.
func redactMessage(msg string) string {
	if secretRe.MatchString(msg) {
		return "[redacted]"
	}
	return msg
}

// ReadAuditLog streams every entry out of a session's audit log. A
// missing file reads as an empty log.
func ReadAuditLog(sessionID, stateDir string) ([]AuditEntry, error) {
	f, err := os.Open(auditPath(stateDir, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []AuditEntry
	dec := json.NewDecoder(f)
	for dec.More() {
		var entry AuditEntry
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("decode audit entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
