package discussion

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/topicbridge/pkg/models"
)

// DefaultEntitlementTimeout bounds every authorization endpoint call.
const DefaultEntitlementTimeout = 3 * time.Second

// IDPlaceholder is substituted with the reference id in route templates.
const IDPlaceholder = "{id}"

// EntitlementChecker decides whether an actor may access an entity.
type EntitlementChecker interface {
	CheckAccess(ctx context.Context, actorToken, referenceType, referenceID string) bool
}

// EntitlementVerifier asks a per-reference-type authorization endpoint.
//
// Policy: a reference type with no configured route is open to every
// authenticated actor. A configured route is fail-closed: timeouts,
// transport errors, non-200 responses and malformed bodies all deny.
// No decision is cached and no call is retried.
type EntitlementVerifier struct {
	routes map[string]string
	client *http.Client
}

// NewEntitlementVerifier copies routes (referenceType -> URL template with
// {id}) so later mutation by the caller has no effect.
func NewEntitlementVerifier(routes map[string]string, timeout time.Duration) *EntitlementVerifier {
	if timeout <= 0 {
		timeout = DefaultEntitlementTimeout
	}
	cp := make(map[string]string, len(routes))
	for k, v := range routes {
		cp[k] = v
	}
	return &EntitlementVerifier{
		routes: cp,
		client: &http.Client{Timeout: timeout},
	}
}

// Route returns the endpoint template for referenceType, if configured.
func (v *EntitlementVerifier) Route(referenceType string) (string, bool) {
	tmpl, ok := v.routes[referenceType]
	return tmpl, ok
}

func (v *EntitlementVerifier) CheckAccess(ctx context.Context, actorToken, referenceType, referenceID string) bool {
	logger := log.With().Str("reference_type", referenceType).Str("reference_id", referenceID).Logger()

	tmpl, ok := v.routes[referenceType]
	if !ok {
		logger.Info().Msg("no authorization route configured, access allowed by policy")
		return true
	}

	endpoint := expandRoute(tmpl, referenceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("entitlement denied: bad authorization request")
		return false
	}
	req.Header.Set("Authorization", "Bearer "+actorToken)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		logger.Warn().Err(err).Str("endpoint", endpoint).Msg("entitlement denied: authorization call failed")
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		logger.Warn().Err(err).Msg("entitlement denied: unreadable authorization response")
		return false
	}
	if resp.StatusCode != http.StatusOK {
		logger.Info().Int("status", resp.StatusCode).Msg("entitlement denied by authorization endpoint")
		return false
	}

	var env models.ResultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		logger.Warn().Err(err).Msg("entitlement denied: malformed authorization response")
		return false
	}
	if !env.Succeeded() {
		logger.Info().Str("body", string(body)).Msg("entitlement denied: authorization result not granted")
		return false
	}
	return true
}

// expandRoute substitutes id into every placeholder of tmpl, escaping it for
// the path or the query depending on where the placeholder sits.
func expandRoute(tmpl, id string) string {
	query := strings.IndexByte(tmpl, '?')
	var b strings.Builder
	rest, offset := tmpl, 0
	for {
		i := strings.Index(rest, IDPlaceholder)
		if i < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:i])
		if query >= 0 && offset+i > query {
			b.WriteString(url.QueryEscape(id))
		} else {
			b.WriteString(url.PathEscape(id))
		}
		rest = rest[i+len(IDPlaceholder):]
		offset += i + len(IDPlaceholder)
	}
}
