package logger

import (
	"strings"
	"testing"
)

func TestRedactorRewritesSecretsAndIdentities(t *testing.T) {
	r := &redactor{enabled: true, salt: "s"}
	out := r.apply([]interface{}{
		"job_id", "j-1",
		"Authorization", "Bearer abc",
		"user_uid", "u-1",
		"nested", map[string]interface{}{"api_key": "k", "state": "RUNNING"},
	})

	if out[1] != "j-1" {
		t.Fatalf("job_id changed: %v", out[1])
	}
	if out[3] != redacted {
		t.Fatalf("authorization not redacted: %v", out[3])
	}
	h, ok := out[5].(string)
	if !ok || !strings.HasPrefix(h, "hash:") || strings.Contains(h, "u-1") {
		t.Fatalf("user_uid not hashed: %v", out[5])
	}
	if again := r.apply([]interface{}{"user_uid", "u-1"}); again[1] != h {
		t.Fatalf("hash not stable: %v vs %v", again[1], h)
	}
	nested := out[7].(map[string]interface{})
	if nested["api_key"] != redacted || nested["state"] != "RUNNING" {
		t.Fatalf("nested map: %v", nested)
	}
}

func TestRedactorDisabledPassesThrough(t *testing.T) {
	kv := []interface{}{"password", "p", "user_uid", "u"}
	var nilRed *redactor
	for _, r := range []*redactor{{}, nilRed} {
		out := r.apply(kv)
		if out[1] != "p" || out[3] != "u" {
			t.Fatalf("disabled redactor rewrote values: %v", out)
		}
	}
}

func TestRedactorKeepsOddTrailingKey(t *testing.T) {
	r := &redactor{enabled: true}
	out := r.apply([]interface{}{"token", "t", "dangling"})
	if len(out) != 3 || out[1] != redacted || out[2] != "dangling" {
		t.Fatalf("unexpected: %v", out)
	}
}
