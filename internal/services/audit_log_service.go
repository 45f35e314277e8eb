package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"

	domain "github.com/mayorista/pedidos/internal/domain"
	"github.com/mayorista/pedidos/internal/repositories"
)

const (
	auditIDPrefix = "aud_"
	// redactedPrefix marks a sensitive value replaced by a short fingerprint. Equal inputs
	// give equal fingerprints so entries stay correlatable.
	redactedPrefix = "redacted:"
)

// Field limits for audit entries.
const (
	auditActorLimit  = 160
	auditActionLimit = 120
	auditTargetLimit = 200
	auditKeyLimit    = 80
	auditValueLimit  = 512
)

// AuditLogger receives audit write failures.
type AuditLogger interface {
	Warnf(format string, args ...any)
}

// AuditLogServiceDeps are the inputs of NewAuditLogService. Only Repository is required.
type AuditLogServiceDeps struct {
	Repository  repositories.AuditLogRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      AuditLogger
}

type auditLogService struct {
	repo   repositories.AuditLogRepository
	now    func() time.Time
	newID  func() string
	logger AuditLogger
}

func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("audit log service: repository is required")
	}
	svc := &auditLogService{
		repo:   deps.Repository,
		now:    time.Now,
		newID:  func() string { return ulid.Make().String() },
		logger: deps.Logger,
	}
	if deps.Clock != nil {
		svc.now = deps.Clock
	}
	if deps.IDGenerator != nil {
		svc.newID = deps.IDGenerator
	}
	if svc.logger == nil {
		svc.logger = discardAuditLogger{}
	}
	return svc, nil
}

// Record appends one audit entry. The mutation it describes has already been committed, so
// a failed append is logged and swallowed.
func (s *auditLogService) Record(ctx context.Context, record AuditLogRecord) {
	entry := s.entryFor(ctx, record)
	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger.Warnf("audit: append %s on %s failed: %v", entry.Action, entry.TargetRef, err)
	}
}

func (s *auditLogService) entryFor(ctx context.Context, record AuditLogRecord) domain.AuditLogEntry {
	at := record.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	requestID := record.RequestID
	if strings.TrimSpace(requestID) == "" && ctx != nil {
		requestID = middleware.GetReqID(ctx)
	}

	redact := make(map[string]bool, len(record.SensitiveMetadataKeys))
	for _, key := range record.SensitiveMetadataKeys {
		redact[strings.ToLower(strings.TrimSpace(key))] = true
	}

	entry := domain.AuditLogEntry{
		ID:        auditIDPrefix + s.newID(),
		Actor:     auditText(record.Actor, auditActorLimit),
		ActorType: auditActorType(record.ActorType, record.Actor),
		Action:    auditText(record.Action, auditActionLimit),
		TargetRef: auditText(record.TargetRef, auditTargetLimit),
		Severity:  auditSeverity(record.Severity),
		RequestID: auditText(requestID, auditKeyLimit),
		CreatedAt: at.UTC(),
	}
	for key, value := range record.Metadata {
		if key = auditText(key, auditKeyLimit); key == "" {
			continue
		}
		if entry.Metadata == nil {
			entry.Metadata = make(map[string]any, len(record.Metadata))
		}
		entry.Metadata[key] = auditValue(value, redact[strings.ToLower(key)])
	}
	for key, change := range record.Diff {
		if key = auditText(key, auditKeyLimit); key == "" {
			continue
		}
		if entry.Diff == nil {
			entry.Diff = make(map[string]any, len(record.Diff))
		}
		hide := redact[strings.ToLower(key)]
		entry.Diff[key] = map[string]any{
			"before": auditValue(change.Before, hide),
			"after":  auditValue(change.After, hide),
		}
	}
	return entry
}

func auditValue(value any, redact bool) any {
	if redact {
		return redactedPrefix + fingerprint(value)
	}
	switch v := value.(type) {
	case string:
		return auditText(v, auditValueLimit)
	case fmt.Stringer:
		return auditText(v.String(), auditValueLimit)
	}
	return value
}

// fingerprint hashes the JSON form of value; encoding/json sorts map keys so equal maps
// hash equally.
func fingerprint(value any) string {
	raw, err := json.Marshal(value)
	if err != nil {
		raw = []byte(fmt.Sprint(value))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

func auditActorType(actorType, actor string) string {
	switch t := strings.ToLower(strings.TrimSpace(actorType)); t {
	case actorTypeClient, actorTypeSeller, actorTypeSystem:
		return t
	}
	if strings.EqualFold(strings.TrimSpace(actor), actorTypeSystem) {
		return actorTypeSystem
	}
	return "unknown"
}

func auditSeverity(severity string) string {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	}
	return "info"
}

// auditText drops control characters except tab and newline, trims, and cuts to limit bytes.
func auditText(value string, limit int) string {
	value = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, value))
	if len(value) <= limit {
		return value
	}
	cut := value[:limit]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

type discardAuditLogger struct{}

func (discardAuditLogger) Warnf(string, ...any) {}
