package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/namoruso/orders-api/internal/domain"
	"github.com/namoruso/orders-api/internal/platform/auth"
	"github.com/namoruso/orders-api/internal/services"
)

var errBodyTooLarge = errors.New("request body too large")

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
		_ = r.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return formatTime(*ts)
}

// actorFromRequest maps the authenticated identity and the raw bearer token
// into the service-level actor.
func actorFromRequest(r *http.Request, identity *auth.Identity) services.Actor {
	actor := services.Actor{
		ID:    strings.TrimSpace(identity.UID),
		Email: strings.TrimSpace(identity.Email),
		Admin: identity.HasRole(auth.RoleAdmin),
	}
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		actor.BearerToken = token
	}
	return actor
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// parseStatusFilters normalises repeated and comma-separated status query
// values, rejecting unknown statuses.
func parseStatusFilters(values []string) ([]domain.OrderStatus, bool) {
	var statuses []domain.OrderStatus
	for _, raw := range values {
		for _, candidate := range strings.Split(raw, ",") {
			candidate = strings.TrimSpace(candidate)
			if candidate == "" {
				continue
			}
			status, ok := domain.ParseOrderStatus(candidate)
			if !ok {
				return nil, false
			}
			statuses = append(statuses, status)
		}
	}
	return statuses, true
}
