package async

import (
	"fmt"
	"strconv"
	"time"
)

// JobResult is one outcome record written while a job executes. Results of a
// periodic job accumulate across runs until cleared, and are never updated.
//
// A result with EntityType set is an entity result: it references the business
// record it processed, and its presence marks that record as done for the job.
type JobResult struct {
	ID         int64     `json:"id"`
	JobID      string    `json:"job_id"`
	EntityType string    `json:"entity_type,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	Messages   []string  `json:"messages,omitempty"`
	Failed     bool      `json:"failed,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewJobResult creates a result that references no entity
func NewJobResult(jobID string, messages ...string) *JobResult {
	return &JobResult{
		JobID:     jobID,
		Messages:  messages,
		CreatedAt: time.Now().UTC(),
	}
}

// NewEntityJobResult creates a successful result for one processed record
func NewEntityJobResult(jobID, entityType string, entityID int64, messages ...string) *JobResult {
	r := NewJobResult(jobID, messages...)
	r.EntityType = entityType
	r.EntityID = strconv.FormatInt(entityID, 10)
	return r
}

// NewItemErrorResult records a per-item failure on the failing record's result
func NewItemErrorResult(jobID string, itemErr *PerItemError) *JobResult {
	r := NewJobResult(jobID, itemErr.Message)
	r.EntityType = itemErr.EntityType
	r.EntityID = itemErr.EntityID
	r.Failed = true
	return r
}

// IsEntityResult reports whether the result references a business record
func (r *JobResult) IsEntityResult() bool {
	return r.EntityType != ""
}

// String renders the result the way `jobs results` prints it
func (r *JobResult) String() string {
	if r.IsEntityResult() {
		return fmt.Sprintf("%s #%s: %v", r.EntityType, r.EntityID, r.Messages)
	}
	return fmt.Sprintf("%v", r.Messages)
}
