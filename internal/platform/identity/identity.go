package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yungbote/jobs-orchestrator/internal/platform/ctxutil"
)

// Header names used when the gateway forwards the caller in plain headers.
// gRPC metadata keys are the lowercase forms.
const (
	HeaderAuthorization  = "Authorization"
	HeaderUserUID        = "X-User-Uid"
	HeaderOrganizationID = "X-Organization-Id"
	HeaderWorkspaceID    = "X-Workspace-Id"
	HeaderSource         = "X-Source"
	HeaderProjectIDs     = "X-Project-Ids"
	HeaderAllJobs        = "X-All-Jobs"
)

var (
	ErrMissingCaller = errors.New("missing caller identity")
	ErrInvalidToken  = errors.New("invalid caller token")
)

// Claims is the identity token minted by the platform gateway. Subject is the
// user uid.
type Claims struct {
	OrganizationID string   `json:"org"`
	WorkspaceID    string   `json:"ws"`
	Source         string   `json:"src,omitempty"`
	ProjectIDs     []string `json:"projects,omitempty"`
	AllJobs        bool     `json:"all_jobs,omitempty"`
	jwt.RegisteredClaims
}

// Resolver turns forwarded request attributes into a Caller. With a secret it
// only trusts a signed bearer token; without one it reads the plain headers.
type Resolver struct {
	secret []byte
}

func NewResolver(secret string) *Resolver {
	return &Resolver{secret: []byte(strings.TrimSpace(secret))}
}

func (r *Resolver) Signed() bool { return len(r.secret) > 0 }

// Resolve reads the caller through get, which looks up a header by name.
func (r *Resolver) Resolve(get func(name string) string) (*ctxutil.Caller, error) {
	if r.Signed() {
		raw := strings.TrimSpace(get(HeaderAuthorization))
		if len(raw) > 7 && strings.EqualFold(raw[:7], "Bearer ") {
			raw = strings.TrimSpace(raw[7:])
		} else {
			raw = ""
		}
		if raw == "" {
			return nil, ErrMissingCaller
		}
		return r.Parse(raw)
	}

	c := &ctxutil.Caller{
		UserUID:        strings.TrimSpace(get(HeaderUserUID)),
		OrganizationID: strings.TrimSpace(get(HeaderOrganizationID)),
		WorkspaceID:    strings.TrimSpace(get(HeaderWorkspaceID)),
		Source:         strings.TrimSpace(get(HeaderSource)),
		ProjectIDs:     splitList(get(HeaderProjectIDs)),
	}
	switch strings.ToLower(strings.TrimSpace(get(HeaderAllJobs))) {
	case "1", "true", "yes":
		c.AllJobs = true
	}
	if c.UserUID == "" || c.WorkspaceID == "" {
		return nil, ErrMissingCaller
	}
	return c, nil
}

func (r *Resolver) Parse(token string) (*ctxutil.Caller, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: subject and workspace are required", ErrInvalidToken)
	}
	return &ctxutil.Caller{
		UserUID:        claims.Subject,
		OrganizationID: claims.OrganizationID,
		WorkspaceID:    claims.WorkspaceID,
		Source:         claims.Source,
		ProjectIDs:     claims.ProjectIDs,
		AllJobs:        claims.AllJobs,
	}, nil
}

// Issue signs a token for c. The gateway does this in production; the service
// uses it for tests and local tooling.
func (r *Resolver) Issue(c ctxutil.Caller, ttl time.Duration) (string, error) {
	if !r.Signed() {
		return "", errors.New("no signing secret configured")
	}
	now := time.Now()
	claims := Claims{
		OrganizationID: c.OrganizationID,
		WorkspaceID:    c.WorkspaceID,
		Source:         c.Source,
		ProjectIDs:     c.ProjectIDs,
		AllJobs:        c.AllJobs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.UserUID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
