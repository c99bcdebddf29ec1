package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
)

const namePrefix = "job-"

// ExecutionName is deterministic in (job, type, attempt): rescheduling the same
// attempt after a crash converges on the execution that may already exist.
func ExecutionName(jobID uuid.UUID, typ jobs.ExecutionType, attempt int) string {
	return fmt.Sprintf("%s%s-%s-%d", namePrefix, jobID, typ, attempt)
}

// ParseExecutionName inverts ExecutionName.
func ParseExecutionName(name string) (jobID uuid.UUID, typ jobs.ExecutionType, attempt int, ok bool) {
	if !strings.HasPrefix(name, namePrefix) {
		return uuid.Nil, "", 0, false
	}
	rest := strings.TrimPrefix(name, namePrefix)
	const idLen = 36
	if len(rest) < idLen+2 || rest[idLen] != '-' {
		return uuid.Nil, "", 0, false
	}
	id, err := uuid.Parse(rest[:idLen])
	if err != nil {
		return uuid.Nil, "", 0, false
	}
	parts := strings.Split(rest[idLen+1:], "-")
	if len(parts) != 2 {
		return uuid.Nil, "", 0, false
	}
	typ = jobs.ExecutionType(parts[0])
	if typ != jobs.ExecutionMain && typ != jobs.ExecutionRevert {
		return uuid.Nil, "", 0, false
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil || n < 0 {
		return uuid.Nil, "", 0, false
	}
	return id, typ, n, true
}
