package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/yoda-digital/ordinaut/internal/domain/task"
)

// PublishAudit appends one audit entry. Audit writes are best-effort from
// the caller's perspective but the append itself is transactional.
func (s *Store) PublishAudit(ctx context.Context, entry task.AuditEntry) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (actor_agent_id, action, subject_id, details)
		 VALUES ($1, $2, NULLIF($3, '')::uuid, $4)`,
		entry.ActorAgentID, entry.Action, entry.SubjectID, raw,
	)
	if err != nil {
		return fmt.Errorf("publish audit %q: %w", entry.Action, err)
	}
	return nil
}

// ListAudit returns the newest audit entries for a subject.
func (s *Store) ListAudit(ctx context.Context, subjectID uuid.UUID, limit int) ([]task.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, actor_agent_id, action, subject_id, details, at
		 FROM audit_log WHERE subject_id = $1
		 ORDER BY at DESC, id DESC LIMIT $2`,
		subjectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit for %s: %w", subjectID, err)
	}
	defer rows.Close()

	var entries []task.AuditEntry
	for rows.Next() {
		var e task.AuditEntry
		var subject *string
		var details []byte
		if err := rows.Scan(&e.ID, &e.ActorAgentID, &e.Action, &subject, &details, &e.At); err != nil {
			return entries, fmt.Errorf("scan audit entry: %w", err)
		}
		if subject != nil {
			e.SubjectID = *subject
		}
		if len(details) > 0 && string(details) != "null" {
			_ = json.Unmarshal(details, &e.Details)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
