// Package fingerprint provides the fingerprint algorithm used to deduplicate
// scanner alerts into findings across repeated scans.
//
// IMPORTANT: fingerprints are persisted. Any change to the algorithm orphans
// every stored finding, so changes must ship with a data migration.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Input contains the alert attributes that identify a finding.
type Input struct {
	PluginID string // Scanner rule identifier
	URL      string // URL where the alert was raised
	Param    string // Affected parameter name
	Method   string // HTTP method
	Evidence string // Matched evidence
}

// Generate creates a fingerprint for the given input.
// The fingerprint is a SHA256 hash (64 hex characters). Identical inputs
// always produce identical fingerprints; plugin id, URL, parameter and
// method compare case-insensitively, evidence is case-sensitive.
func Generate(input Input) string {
	data := strings.Join([]string{
		"zap",
		normalize(input.PluginID),
		normalizeURL(input.URL),
		normalize(input.Param),
		normalize(input.Method),
		strings.TrimSpace(input.Evidence),
	}, "\x1f")

	return Hash(data)
}

// Hash computes SHA256 hash of the input string.
// Returns 64 hex characters.
func Hash(s string) string {
	return Checksum([]byte(s))
}

// Checksum returns the hex SHA256 of b. Raw payloads are content-addressed by it.
func Checksum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// normalize trims whitespace and lower-cases.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// normalizeURL cleans up a URL for fingerprinting.
// - Converts to lowercase
// - Removes fragment
// - Removes trailing slash (except for root)
func normalizeURL(u string) string {
	u = normalize(u)

	if idx := strings.Index(u, "#"); idx != -1 {
		u = u[:idx]
	}

	if len(u) > 1 && !strings.HasSuffix(u, "://") {
		u = strings.TrimSuffix(u, "/")
	}

	return u
}
