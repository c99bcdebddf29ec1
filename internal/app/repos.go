package app

import (
	"gorm.io/gorm"

	jobrepo "github.com/yungbote/jobs-orchestrator/internal/data/repos/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

type Repos struct {
	Jobs   jobrepo.JobRepo
	Outbox jobrepo.OutboxRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Jobs:   jobrepo.NewJobRepo(db, log),
		Outbox: jobrepo.NewOutboxRepo(db, log),
	}
}
