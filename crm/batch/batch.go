// Package batch is the batch-process job kind: one field edit applied to every
// contact of a saved filter.
package batch

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/teranos/crmpulse/crm/records"
	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/logger"
	"github.com/teranos/crmpulse/pulse/async"
)

// TypeID is the registry id of the kind
const TypeID = "batch-process"

// EntityContact is the entity type of the results this kind writes
const EntityContact = "contact"

// Sentences stored on Job.Error
const (
	ErrInvalidData     = "The batch parameters are invalid."
	ErrUnknownEntity   = "Batch edits only apply to contacts."
	ErrUnknownField    = "The field to edit is not a contact field."
	ErrUnknownOp       = "The batch operation is not supported."
	ErrFilterDeleted   = "The filter this batch applies to no longer exists."
	ErrMissingArgument = "The batch operation needs a value."
)

// Op is a field transformation
type Op string

const (
	OpUpper  Op = "upper"
	OpLower  Op = "lower"
	OpTitle  Op = "title"
	OpTrim   Op = "trim"
	OpPrefix Op = "prefix"
	OpSuffix Op = "suffix"
)

// NeedsValue reports whether the op takes Data.Value
func (op Op) NeedsValue() bool {
	return op == OpPrefix || op == OpSuffix
}

// Valid reports whether op is known
func (op Op) Valid() bool {
	switch op {
	case OpUpper, OpLower, OpTitle, OpTrim, OpPrefix, OpSuffix:
		return true
	}
	return false
}

// Apply transforms v
func (op Op) Apply(v, arg string) string {
	switch op {
	case OpUpper:
		return cases.Upper(language.Und).String(v)
	case OpLower:
		return cases.Lower(language.Und).String(v)
	case OpTitle:
		return cases.Title(language.Und).String(v)
	case OpTrim:
		return strings.TrimSpace(v)
	case OpPrefix:
		if strings.HasPrefix(v, arg) {
			return v
		}
		return arg + v
	case OpSuffix:
		if strings.HasSuffix(v, arg) {
			return v
		}
		return v + arg
	}
	return v
}

// Data is the job payload. Entity defaults to "contact"; Field accepts the
// column name or its display name ("name" is last_name).
type Data struct {
	Entity   string `json:"entity" yaml:"entity"`
	Field    string `json:"field" yaml:"field"`
	Op       Op     `json:"op" yaml:"op"`
	Value    string `json:"value,omitempty" yaml:"value,omitempty"`
	FilterID *int64 `json:"filter_id,omitempty" yaml:"filter_id,omitempty"`
}

// JobType edits contacts in bulk
type JobType struct {
	async.OneShot

	contacts *records.ContactStore
	filters  *records.FilterStore
	results  *async.ResultStore

	// beforeItem runs before each contact; tests use it to change the world mid-run
	beforeItem func(c *records.Contact)
}

// New creates the kind over the CRM database
func New(db *sql.DB, results *async.ResultStore) *JobType {
	return &JobType{
		contacts: records.NewContactStore(db),
		filters:  records.NewFilterStore(db),
		results:  results,
	}
}

func (*JobType) ID() string { return TypeID }

// Execute applies the edit to each matching contact not yet holding a result
func (jt *JobType) Execute(ctx context.Context, job *async.Job) error {
	log := logger.LoggerFromContext(ctx).Named("batch")

	var data Data
	if err := job.DecodeData(&data); err != nil {
		return async.FatalWrap(err, ErrInvalidData)
	}
	field, ok := jt.checkData(job, data)
	if !ok {
		return nil
	}

	filter, gone, err := jt.loadFilter(ctx, data.FilterID)
	if err != nil {
		return err
	}
	if gone {
		job.Fail(ErrFilterDeleted)
		return nil
	}

	contacts, err := jt.contacts.List(ctx, job.Owner, filter)
	if err != nil {
		return errors.Wrap(err, "failed to list contacts for batch")
	}
	rec, err := async.NewResultRecorder(ctx, jt.results, job, EntityContact)
	if err != nil {
		return err
	}
	if n := rec.AlreadyDone(); n > 0 {
		log.Infow("Resuming batch", "already_done", n, "matched", len(contacts))
	}

	for _, c := range contacts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.Done(c.ID) {
			continue
		}
		if jt.beforeItem != nil {
			jt.beforeItem(c)
		}
		// The filter defines the batch; once deleted the rest is no longer wanted
		if filter != nil {
			if _, gone, err := jt.loadFilter(ctx, data.FilterID); err != nil {
				return err
			} else if gone {
				log.Infow("Filter deleted mid-run", "processed", rec.Processed())
				job.Fail(ErrFilterDeleted)
				return nil
			}
		}
		if err := jt.editContact(ctx, rec, c, field, data); err != nil {
			return err
		}
	}

	rec.Summarize(EntityContact)
	log.Debugw("Batch finished", "processed", rec.Processed(), "failed", rec.Failed())
	return nil
}

// checkData fails the job when the payload names something unusable
func (jt *JobType) checkData(job *async.Job, data Data) (records.ContactField, bool) {
	if data.Entity != "" && data.Entity != EntityContact {
		job.Fail(ErrUnknownEntity)
		return records.ContactField{}, false
	}
	field, ok := records.LookupContactField(data.Field)
	if !ok {
		job.Fail(ErrUnknownField)
		return field, false
	}
	if !data.Op.Valid() {
		job.Fail(ErrUnknownOp)
		return field, false
	}
	if data.Op.NeedsValue() && data.Value == "" {
		job.Fail(ErrMissingArgument)
		return field, false
	}
	return field, true
}

func (jt *JobType) loadFilter(ctx context.Context, id *int64) (*records.Filter, bool, error) {
	if id == nil {
		return nil, false, nil
	}
	f, err := jt.filters.Get(ctx, *id)
	if errors.IsNotFoundError(err) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return f, false, nil
}

// editContact writes one contact and its result. A rejected value is a per-item
// failure; only storage errors stop the run.
func (jt *JobType) editContact(ctx context.Context, rec *async.ResultRecorder, c *records.Contact, field records.ContactField, data Data) error {
	old := c.Get(field.Name)
	updated := data.Op.Apply(old, data.Value)

	if err := field.Validate(updated); err != nil {
		return rec.Failure(ctx, c.ID, err.Error())
	}
	if updated == old {
		return rec.Unchanged(ctx, c.ID)
	}
	if err := jt.contacts.UpdateField(ctx, c.ID, field.Name, updated); err != nil {
		if errors.IsNotFoundError(err) {
			return rec.Failure(ctx, c.ID, "The contact was deleted.")
		}
		return err
	}
	return rec.Success(ctx, c.ID, fmt.Sprintf("%s: %q → %q", field.Name, old, updated))
}

var _ async.JobType = (*JobType)(nil)
