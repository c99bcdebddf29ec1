package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

const redacted = "[REDACTED]"

var (
	secretKeyParts = []string{"token", "authorization", "password", "secret", "api_key"}
	// Identity keys are hashed, not dropped, so a user's lines still correlate.
	identityKeys = map[string]bool{"user_uid": true, "author": true, "caller": true, "cancelled_by": true}
)

// redactor rewrites sensitive key/value pairs. The zero value passes
// everything through.
type redactor struct {
	enabled bool
	salt    string
}

func redactorFromEnv() *redactor {
	r := &redactor{enabled: true, salt: strings.TrimSpace(os.Getenv("LOG_HASH_SALT"))}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_REDACTION_ENABLED"))) {
	case "0", "false", "no", "off":
		r.enabled = false
	}
	return r
}

func (r *redactor) apply(kv []interface{}) []interface{} {
	if r == nil || !r.enabled || len(kv) == 0 {
		return kv
	}
	out := make([]interface{}, len(kv))
	copy(out, kv)
	for i := 0; i+1 < len(out); i += 2 {
		out[i+1] = r.value(normalizeKey(out[i]), out[i+1])
	}
	return out
}

func (r *redactor) value(key string, val interface{}) interface{} {
	switch {
	case key == "":
		return val
	case isSecretKey(key):
		return redacted
	case identityKeys[key]:
		return r.hash(val)
	}
	if m, ok := val.(map[string]interface{}); ok {
		out := make(map[string]interface{}, len(m))
		for k, inner := range m {
			out[k] = r.value(normalizeKey(k), inner)
		}
		return out
	}
	return val
}

func (r *redactor) hash(val interface{}) interface{} {
	raw := fmt.Sprint(val)
	if val == nil || raw == "" {
		return val
	}
	sum := sha256.Sum256([]byte(r.salt + raw))
	return "hash:" + hex.EncodeToString(sum[:])[:12]
}

func isSecretKey(key string) bool {
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func normalizeKey(k interface{}) string {
	s, ok := k.(string)
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(s))
}
