package ratelimiter

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RateLimitKey is a non-empty string identifying a bucket that shares an
// upstream rate limit. It never contains raw secret material.
type RateLimitKey string

// keyOf derives a stable RateLimitKey from a Caller's identity and routing
// config. Identical callers (same ID, endpoint, credential,
// model) collapse to the same key; distinct credentials or endpoints never
// collide. crypto/sha256 is used only as a one-way fingerprint of the
// credential + model selector — see DESIGN.md for why no third-party hash
// library is warranted here.
func keyOf(c Caller) RateLimitKey {
	cfg := c.Config()
	endpoint := normalizeEndpoint(cfg.Endpoint)
	fp := credentialFingerprint(cfg.Credential, cfg.Model)
	return RateLimitKey(c.ID() + "|" + endpoint + "|" + fp)
}

// normalizeEndpoint lowercases and trims the host so equivalent endpoints
// (differing only by case or trailing slash) collapse to one key.
func normalizeEndpoint(endpoint string) string {
	e := strings.ToLower(strings.TrimSpace(endpoint))
	e = strings.TrimSuffix(e, "/")
	return e
}

// credentialFingerprint hashes the credential together with the model
// selector so two callers on the same endpoint but different credentials
// (or different model rate-limit buckets) never share a key. The first 16
// hex characters (64 bits) of a SHA-256 digest give a collision-resistant
// key fragment while keeping keys short and log-friendly.
func credentialFingerprint(credential, model string) string {
	h := sha256.Sum256([]byte(credential + "\x00" + model))
	return hex.EncodeToString(h[:])[:16]
}
