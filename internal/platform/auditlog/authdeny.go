package auditlog

import (
	"context"
	"database/sql"
	"net"
	"strings"

	"github.com/railyard-labs/railyard-go/internal/platform/auth"
)

func InsertAuthDeny(ctx context.Context, db *sql.DB, service string, event auth.DenyEvent) error {
	actor := "anonymous"
	if strings.TrimSpace(event.Subject) != "" {
		actor = strings.TrimSpace(event.Subject)
	}

	var ip net.IP
	host, _, err := net.SplitHostPort(event.RemoteAddr)
	if err == nil {
		ip = net.ParseIP(host)
	}

	_, err = Insert(ctx, db, Event{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: "http",
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           ip,
		UserAgent:    event.UserAgent,
		Payload: map[string]any{
			"service": service,
			"status":  event.Status,
			"reason":  event.Reason,
			"error":   event.Error,
			"subject": event.Subject,
			"roles":   event.Roles,
		},
	})
	return err
}

// InsertOperatorAction records a successful mutating operator call.
func InsertOperatorAction(ctx context.Context, db *sql.DB, identity auth.Identity, action, resourceType, resourceID, requestID string, payload map[string]any) error {
	_, err := Insert(ctx, db, Event{
		Actor:        identity.Subject,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    requestID,
		Payload:      payload,
	})
	return err
}
