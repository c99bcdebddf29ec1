package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
	"github.com/yungbote/jobs-orchestrator/internal/platform/dbctx"
	"github.com/yungbote/jobs-orchestrator/internal/platform/logger"
)

// Filter narrows Find/Count. WorkspaceID is mandatory; the ACL fields decide
// which of the workspace's jobs are visible.
type Filter struct {
	WorkspaceID   string
	Types         []types.JobType
	StateGroups   []types.StateGroup
	ProjectID     *string
	Author        string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	AllJobs    bool
	ProjectIDs []string
	CallerUID  string
}

type Page struct {
	Limit     int
	Skip      int
	SortField string
	Desc      bool
}

var sortColumns = map[string]string{
	"creation_time": "creation_time",
	"priority":      "priority",
	"type":          "type",
	"state_group":   "state_group",
}

// SortFieldAllowed reports whether Find can order by field.
func SortFieldAllowed(field string) bool {
	_, ok := sortColumns[field]
	return ok
}

type JobRepo interface {
	Create(dbc dbctx.Context, job *types.Job) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error)
	GetByLiveKey(dbc dbctx.Context, liveKey string) (*types.Job, error)
	Find(dbc dbctx.Context, f Filter, p Page) ([]*types.Job, error)
	Count(dbc dbctx.Context, f Filter) (int64, error)
	FindIDsByProjectID(dbc dbctx.Context, projectID string) ([]uuid.UUID, error)
	CountByState(dbc dbctx.Context) (map[string]int64, error)

	ClaimByState(dbc dbctx.Context, state types.State, owner string, ttl time.Duration) (*types.Job, error)
	UpdateFieldsWhere(dbc dbctx.Context, id uuid.UUID, query string, args []interface{}, updates map[string]interface{}) (bool, error)
	Mutate(dbc dbctx.Context, id uuid.UUID, fn func(job *types.Job) (map[string]interface{}, error)) (bool, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) tx(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbctx.Of(dbc.Ctx).Ctx)
}

func (r *jobRepo) Create(dbc dbctx.Context, job *types.Job) error {
	if job == nil {
		return nil
	}
	now := time.Now().UTC()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreationTime.IsZero() {
		job.CreationTime = now
	}
	job.UpdatedAt = now
	job.StateGroup = job.State.Group()
	if len(job.Payload) == 0 {
		job.Payload = datatypes.JSON([]byte("{}"))
	}
	if len(job.Metadata) == 0 {
		job.Metadata = datatypes.JSON([]byte("{}"))
	}
	return r.tx(dbc).Create(job).Error
}

func (r *jobRepo) first(q *gorm.DB) (*types.Job, error) {
	var job types.Job
	err := q.First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	return r.first(r.tx(dbc).Where("id = ?", id))
}

func (r *jobRepo) GetByLiveKey(dbc dbctx.Context, liveKey string) (*types.Job, error) {
	if liveKey == "" {
		return nil, nil
	}
	return r.first(r.tx(dbc).Where("live_key = ?", liveKey))
}

func (r *jobRepo) scoped(q *gorm.DB, f Filter) *gorm.DB {
	q = q.Model(&types.Job{}).Where("workspace_id = ?", f.WorkspaceID)
	if !f.AllJobs {
		if len(f.ProjectIDs) > 0 {
			q = q.Where("(project_id IN ? OR (project_id IS NULL AND author = ?))", f.ProjectIDs, f.CallerUID)
		} else {
			q = q.Where("project_id IS NULL AND author = ?", f.CallerUID)
		}
	}
	if len(f.Types) > 0 {
		q = q.Where("type IN ?", f.Types)
	}
	if len(f.StateGroups) > 0 {
		q = q.Where("state_group IN ?", f.StateGroups)
	}
	if f.ProjectID != nil {
		q = q.Where("project_id = ?", *f.ProjectID)
	}
	if f.Author != "" {
		q = q.Where("author = ?", f.Author)
	}
	if f.CreatedAfter != nil {
		q = q.Where("creation_time >= ?", f.CreatedAfter.UTC())
	}
	if f.CreatedBefore != nil {
		q = q.Where("creation_time < ?", f.CreatedBefore.UTC())
	}
	return q
}

func (r *jobRepo) Find(dbc dbctx.Context, f Filter, p Page) ([]*types.Job, error) {
	var out []*types.Job
	col, ok := sortColumns[p.SortField]
	if !ok {
		col = "creation_time"
	}
	q := r.scoped(r.tx(dbc), f).
		Order(clause.OrderByColumn{Column: clause.Column{Name: col}, Desc: p.Desc}).
		Order("id ASC")
	if p.Limit > 0 {
		q = q.Limit(p.Limit)
	}
	if p.Skip > 0 {
		q = q.Offset(p.Skip)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) Count(dbc dbctx.Context, f Filter) (int64, error) {
	var n int64
	if err := r.scoped(r.tx(dbc), f).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (r *jobRepo) FindIDsByProjectID(dbc dbctx.Context, projectID string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if projectID == "" {
		return ids, nil
	}
	err := r.tx(dbc).Model(&types.Job{}).
		Where("project_id = ?", projectID).
		Order("creation_time ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ClaimByState atomically hands one job in state to owner for ttl. Candidates
// are read with SKIP LOCKED where supported, and the claim itself is a
// compare-and-swap on the lock columns so two claimers can never both win.
// A lock past its expiry is treated as free.
func (r *jobRepo) ClaimByState(dbc dbctx.Context, state types.State, owner string, ttl time.Duration) (*types.Job, error) {
	var claimed *types.Job
	err := r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		now := time.Now().UTC()
		var candidates []*types.Job
		err := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state = ? AND (locked_until IS NULL OR locked_until < ?)", state, now).
			Order("priority DESC").
			Order("creation_time ASC").
			Limit(8).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		until := now.Add(ttl)
		for _, c := range candidates {
			res := txx.Model(&types.Job{}).
				Where("id = ? AND state = ? AND (locked_until IS NULL OR locked_until < ?)", c.ID, state, now).
				Updates(map[string]interface{}{
					"locked_by":    owner,
					"locked_until": until,
					"updated_at":   now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			c.LockedBy = owner
			c.LockedUntil = &until
			c.UpdatedAt = now
			claimed = c
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func withDerived(updates map[string]interface{}) map[string]interface{} {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	if st, ok := updates["state"].(types.State); ok {
		updates["state_group"] = st.Group()
	}
	return updates
}

// UpdateFieldsWhere writes updates when the row also matches query. The bool
// reports whether a row changed.
func (r *jobRepo) UpdateFieldsWhere(dbc dbctx.Context, id uuid.UUID, query string, args []interface{}, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	q := r.tx(dbc).Model(&types.Job{}).Where("id = ?", id)
	if query != "" {
		q = q.Where(query, args...)
	}
	res := q.Updates(withDerived(updates))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Mutate is a row-locked read-modify-write. fn sees the current row and
// returns the columns to write; nil or empty means leave the row alone.
func (r *jobRepo) Mutate(dbc dbctx.Context, id uuid.UUID, fn func(job *types.Job) (map[string]interface{}, error)) (bool, error) {
	if id == uuid.Nil || fn == nil {
		return false, nil
	}
	applied := false
	err := r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		job, err := r.first(txx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id))
		if err != nil || job == nil {
			return err
		}
		updates, err := fn(job)
		if err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		res := txx.Model(&types.Job{}).Where("id = ?", id).Updates(withDerived(updates))
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// CountByState counts all jobs per fine-grained state.
func (r *jobRepo) CountByState(dbc dbctx.Context) (map[string]int64, error) {
	var rows []struct {
		State string
		N     int64
	}
	err := r.tx(dbc).Model(&types.Job{}).
		Select("state, COUNT(*) AS n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.State] = row.N
	}
	return out, nil
}
