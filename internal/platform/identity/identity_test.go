package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/yungbote/jobs-orchestrator/internal/platform/ctxutil"
)

func headers(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestResolveFromHeaders(t *testing.T) {
	r := NewResolver("")
	c, err := r.Resolve(headers(map[string]string{
		HeaderUserUID:     "u-1",
		HeaderWorkspaceID: "ws-1",
		HeaderProjectIDs:  "p-1, p-2,,",
		HeaderAllJobs:     "true",
	}))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.UserUID != "u-1" || c.WorkspaceID != "ws-1" || !c.AllJobs || len(c.ProjectIDs) != 2 {
		t.Fatalf("caller = %+v", c)
	}

	if _, err := r.Resolve(headers(map[string]string{HeaderUserUID: "u-1"})); !errors.Is(err, ErrMissingCaller) {
		t.Fatalf("expected ErrMissingCaller, got %v", err)
	}
}

func TestResolveSignedToken(t *testing.T) {
	r := NewResolver("s3cret")
	token, err := r.Issue(ctxutil.Caller{UserUID: "u-1", OrganizationID: "org", WorkspaceID: "ws-1", ProjectIDs: []string{"p"}}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	c, err := r.Resolve(headers(map[string]string{HeaderAuthorization: "Bearer " + token}))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.UserUID != "u-1" || c.OrganizationID != "org" || c.ProjectIDs[0] != "p" {
		t.Fatalf("caller = %+v", c)
	}

	// Plain headers are ignored once tokens are required.
	if _, err := r.Resolve(headers(map[string]string{HeaderUserUID: "u-1", HeaderWorkspaceID: "ws-1"})); !errors.Is(err, ErrMissingCaller) {
		t.Fatalf("expected ErrMissingCaller, got %v", err)
	}

	other := NewResolver("other")
	forged, _ := other.Issue(ctxutil.Caller{UserUID: "u-1", WorkspaceID: "ws-1"}, time.Minute)
	if _, err := r.Resolve(headers(map[string]string{HeaderAuthorization: "Bearer " + forged})); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	expired, _ := r.Issue(ctxutil.Caller{UserUID: "u-1", WorkspaceID: "ws-1"}, -time.Minute)
	if _, err := r.Resolve(headers(map[string]string{HeaderAuthorization: "Bearer " + expired})); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}
