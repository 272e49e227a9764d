// Package manifest implements the Mock/Builtin Registration Manifest: an
// optional, Ed25519-signed declaration of which module specifiers a host
// operator pre-authorizes as mocks and which builtin polyfills are
// enabled, so that the module resolver's mock bypass is tamper-evident
// rather than an arbitrarily-mutable in-process map.
package manifest

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DefaultManifestKeyPath returns the canonical location for the local
// Ed25519 private key used to sign module manifests
// (~/.ember/module-manifest.private.key).
func DefaultManifestKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".ember", "module-manifest.private.key")
}

var specifierPattern = regexp.MustCompile(`^[A-Za-z0-9_./@-]+$`)

// MockEntry declares one specifier a host operator has pre-authorized to
// be served from the in-process mock table instead of resolved against
// the virtual filesystem.
type MockEntry struct {
	Specifier string `json:"specifier"`
}

// ModuleManifest is the on-disk schema of a module registration manifest.
type ModuleManifest struct {
	Mocks           []MockEntry `json:"mocks"`
	AllowedBuiltins []string    `json:"allowed_builtins"`
	Signature       string      `json:"signature,omitempty"`
}

// VerifyConfig controls signature enforcement and key trust during parse.
type VerifyConfig struct {
	RequireSignature  bool
	TrustedPublicKeys []ed25519.PublicKey
}

// EmbeddedTrustedPublicKeys is the default in-code trust set used for
// manifest signature verification when VerifyConfig.TrustedPublicKeys is
// empty. Populate before the first ParseModuleManifest call; not safe
// for concurrent mutation afterwards.
var EmbeddedTrustedPublicKeys []ed25519.PublicKey

// ParseModuleManifestFile reads and parses a manifest from disk.
func ParseModuleManifestFile(path string, cfg VerifyConfig) (ModuleManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ModuleManifest{}, fmt.Errorf("read module manifest: %w", err)
	}
	return ParseModuleManifest(data, cfg)
}

// ParseModuleManifest parses, validates, and verifies a manifest payload.
func ParseModuleManifest(data []byte, cfg VerifyConfig) (ModuleManifest, error) {
	m, err := decodeModuleManifest(data)
	if err != nil {
		return ModuleManifest{}, err
	}
	if err := validateModuleManifest(&m); err != nil {
		return ModuleManifest{}, err
	}
	if err := verifyManifestSignature(m, cfg); err != nil {
		return ModuleManifest{}, err
	}
	return m, nil
}

// CanonicalModuleManifestPayload returns deterministic JSON used for
// signatures: mock specifiers and allowed builtins are each sorted so the
// payload doesn't depend on map/slice iteration or authoring order.
func CanonicalModuleManifestPayload(mocks []MockEntry, allowedBuiltins []string) ([]byte, error) {
	specifiers := make([]string, 0, len(mocks))
	for _, m := range mocks {
		specifiers = append(specifiers, m.Specifier)
	}
	sort.Strings(specifiers)

	builtins := append([]string(nil), allowedBuiltins...)
	sort.Strings(builtins)

	payload := struct {
		Mocks           []string `json:"mocks"`
		AllowedBuiltins []string `json:"allowed_builtins"`
	}{Mocks: specifiers, AllowedBuiltins: builtins}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("marshal module manifest payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SignModuleManifest signs the canonical module manifest payload with an
// Ed25519 key.
func SignModuleManifest(mocks []MockEntry, allowedBuiltins []string, privateKey ed25519.PrivateKey) (string, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return "", errors.New("invalid ed25519 private key size")
	}
	payload, err := CanonicalModuleManifestPayload(mocks, allowedBuiltins)
	if err != nil {
		return "", err
	}
	signature := ed25519.Sign(privateKey, payload)
	return base64.StdEncoding.EncodeToString(signature), nil
}

func decodeModuleManifest(data []byte) (ModuleManifest, error) {
	var m ModuleManifest

	decoder := json.NewDecoder(bytes.NewReader(data))
	// Reject unknown/misspelled fields to prevent a malformed manifest
	// from silently dropping a restriction it appeared to declare.
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&m); err != nil {
		return ModuleManifest{}, fmt.Errorf("decode module manifest json: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return ModuleManifest{}, errors.New("decode module manifest json: trailing content")
		}
		return ModuleManifest{}, fmt.Errorf("decode module manifest json: %w", err)
	}

	return m, nil
}

func validateModuleManifest(m *ModuleManifest) error {
	seen := make(map[string]struct{}, len(m.Mocks))
	for i, entry := range m.Mocks {
		spec := strings.TrimSpace(entry.Specifier)
		if spec == "" {
			return fmt.Errorf("manifest.mocks[%d].specifier is required", i)
		}
		if !specifierPattern.MatchString(spec) {
			return fmt.Errorf("manifest.mocks[%d].specifier %q has invalid characters", i, spec)
		}
		if _, dup := seen[spec]; dup {
			return fmt.Errorf("duplicate mock specifier %q", spec)
		}
		seen[spec] = struct{}{}
		m.Mocks[i].Specifier = spec
	}

	seenBuiltin := make(map[string]struct{}, len(m.AllowedBuiltins))
	for i, b := range m.AllowedBuiltins {
		name := strings.TrimSpace(b)
		if name == "" {
			return fmt.Errorf("manifest.allowed_builtins[%d] is empty", i)
		}
		if _, dup := seenBuiltin[name]; dup {
			return fmt.Errorf("duplicate allowed builtin %q", name)
		}
		seenBuiltin[name] = struct{}{}
		m.AllowedBuiltins[i] = name
	}

	return nil
}

func verifyManifestSignature(m ModuleManifest, cfg VerifyConfig) error {
	signatureText := strings.TrimSpace(m.Signature)
	if signatureText == "" {
		if cfg.RequireSignature {
			return errors.New("manifest.signature is required")
		}
		return nil
	}

	trustedKeys := cfg.TrustedPublicKeys
	if len(trustedKeys) == 0 {
		trustedKeys = EmbeddedTrustedPublicKeys
	}
	if len(trustedKeys) == 0 {
		return errors.New("manifest.signature is present but no trusted public keys are configured")
	}

	signature, err := base64.StdEncoding.DecodeString(signatureText)
	if err != nil {
		return fmt.Errorf("manifest.signature must be base64: %w", err)
	}
	if len(signature) != ed25519.SignatureSize {
		return errors.New("manifest.signature has invalid size")
	}

	payload, err := CanonicalModuleManifestPayload(m.Mocks, m.AllowedBuiltins)
	if err != nil {
		return fmt.Errorf("canonicalize module manifest: %w", err)
	}

	for _, key := range trustedKeys {
		if len(key) != ed25519.PublicKeySize {
			continue
		}
		if ed25519.Verify(key, payload, signature) {
			return nil
		}
	}

	return errors.New("manifest.signature verification failed")
}

// AllowsMock reports whether the manifest pre-authorizes specifier as a
// mock. A nil/empty manifest authorizes nothing (resolver falls through
// to builtin/cascade resolution).
func (m ModuleManifest) AllowsMock(specifier string) bool {
	for _, entry := range m.Mocks {
		if entry.Specifier == specifier {
			return true
		}
	}
	return false
}

// AllowsBuiltin reports whether the manifest enables the given builtin
// polyfill name.
func (m ModuleManifest) AllowsBuiltin(name string) bool {
	for _, b := range m.AllowedBuiltins {
		if b == name {
			return true
		}
	}
	return false
}
