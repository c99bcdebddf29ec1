package statemachine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
)

// Replacement holds the submission fields a REPLACE resubmission may change.
type Replacement struct {
	Name     string
	Priority int
	Payload  json.RawMessage
	Metadata json.RawMessage
}

// ReplaceSubmitted overwrites the submission fields of a job nobody has
// started yet. It does not apply once the job is claimed, cancelled or past
// SUBMITTED.
func (m *Machine) ReplaceSubmitted(ctx context.Context, id uuid.UUID, r Replacement) (bool, error) {
	applied, _, err := m.apply(ctx, "replace", id, func(job *jobs.Job) (*change, error) {
		if job.State != jobs.StateSubmitted || m.lockHeld(job) || job.Cancellation.Data().IsCancelled {
			return nil, nil
		}
		return &change{updates: map[string]interface{}{
			"name":     r.Name,
			"priority": r.Priority,
			"payload":  datatypes.JSON(r.Payload),
			"metadata": datatypes.JSON(r.Metadata),
		}}, nil
	})
	return applied, err
}
