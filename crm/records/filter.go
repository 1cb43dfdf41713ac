package records

import (
	"context"
	"database/sql"

	"github.com/teranos/crmpulse/errors"
)

// Filter is a saved contact list filter: Field contains Value, ignoring case
type Filter struct {
	ID    int64  `json:"id"`
	Owner string `json:"owner"`
	Name  string `json:"name"`
	Field string `json:"field"`
	Value string `json:"value"`
}

// FilterStore persists saved filters
type FilterStore struct {
	db *sql.DB
}

// NewFilterStore creates a filter store
func NewFilterStore(db *sql.DB) *FilterStore {
	return &FilterStore{db: db}
}

// Create inserts f and sets its ID
func (s *FilterStore) Create(ctx context.Context, f *Filter) error {
	if _, ok := LookupContactField(f.Field); !ok {
		return errors.NewInvalidRequestError("unknown contact field %q", f.Field)
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO filters (owner, name, field, value) VALUES (?, ?, ?, ?)",
		f.Owner, f.Name, f.Field, f.Value)
	if err != nil {
		return errors.Wrap(err, "failed to create filter")
	}
	f.ID, err = res.LastInsertId()
	return errors.Wrap(err, "failed to read filter id")
}

// Get returns the filter with id, or ErrNotFound once it was deleted
func (s *FilterStore) Get(ctx context.Context, id int64) (*Filter, error) {
	var f Filter
	err := s.db.QueryRowContext(ctx,
		"SELECT id, owner, name, field, value FROM filters WHERE id = ?", id,
	).Scan(&f.ID, &f.Owner, &f.Name, &f.Field, &f.Value)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("filter %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get filter %d", id)
	}
	return &f, nil
}

// Delete removes a filter
func (s *FilterStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM filters WHERE id = ?", id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete filter %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("filter %d", id)
	}
	return nil
}
