// Package records stores the CRM rows the built-in job kinds read and write:
// contacts, saved filters, the outbox and synchronized mailboxes.
package records

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/teranos/crmpulse/errors"
)

// Contact is one CRM contact
type Contact struct {
	ID          int64  `json:"id"`
	Owner       string `json:"owner"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	City        string `json:"city"`
	Description string `json:"description"`
}

// ContactField describes one editable contact column
type ContactField struct {
	Name      string
	Required  bool
	MaxLength int
}

// contactFields is the allowlist of columns filters and batch edits may name
var contactFields = map[string]ContactField{
	"first_name":  {Name: "first_name", MaxLength: 100},
	"last_name":   {Name: "last_name", Required: true, MaxLength: 100},
	"email":       {Name: "email", MaxLength: 254},
	"phone":       {Name: "phone", MaxLength: 32},
	"city":        {Name: "city", MaxLength: 100},
	"description": {Name: "description", MaxLength: 2000},
}

// contactFieldAliases maps the display names used by the CRM screens to columns
var contactFieldAliases = map[string]string{
	"name":       "last_name",
	"first name": "first_name",
	"last name":  "last_name",
}

// LookupContactField returns the field named name. Display names such as
// "name" resolve to their column.
func LookupContactField(name string) (ContactField, bool) {
	if column, ok := contactFieldAliases[name]; ok {
		name = column
	}
	f, ok := contactFields[name]
	return f, ok
}

// Validate checks a new value for the field and returns a sentence for the user
func (f ContactField) Validate(value string) error {
	if f.Required && strings.TrimSpace(value) == "" {
		return errors.Newf("%s cannot be empty.", f.Name)
	}
	if f.MaxLength > 0 && len([]rune(value)) > f.MaxLength {
		return errors.Newf("%s cannot be longer than %d characters.", f.Name, f.MaxLength)
	}
	return nil
}

// Get returns the value of a field, "" for unknown names
func (c *Contact) Get(field string) string {
	switch field {
	case "first_name":
		return c.FirstName
	case "last_name":
		return c.LastName
	case "email":
		return c.Email
	case "phone":
		return c.Phone
	case "city":
		return c.City
	case "description":
		return c.Description
	}
	return ""
}

// Set assigns a field; unknown names are ignored
func (c *Contact) Set(field, value string) {
	switch field {
	case "first_name":
		c.FirstName = value
	case "last_name":
		c.LastName = value
	case "email":
		c.Email = value
	case "phone":
		c.Phone = value
	case "city":
		c.City = value
	case "description":
		c.Description = value
	}
}

// ContactStore persists contacts
type ContactStore struct {
	db *sql.DB
}

// NewContactStore creates a contact store
func NewContactStore(db *sql.DB) *ContactStore {
	return &ContactStore{db: db}
}

const contactColumns = "id, owner, first_name, last_name, email, phone, city, description"

// Create inserts c and sets its ID
func (s *ContactStore) Create(ctx context.Context, c *Contact) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (owner, first_name, last_name, email, phone, city, description)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Owner, c.FirstName, c.LastName, c.Email, c.Phone, c.City, c.Description)
	if err != nil {
		return errors.Wrap(err, "failed to create contact")
	}
	c.ID, err = res.LastInsertId()
	return errors.Wrap(err, "failed to read contact id")
}

// Get returns the contact with id, or ErrNotFound
func (s *ContactStore) Get(ctx context.Context, id int64) (*Contact, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+contactColumns+" FROM contacts WHERE id = ?", id)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("contact %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get contact %d", id)
	}
	return c, nil
}

// List returns the owner's contacts ordered by id. A non-nil filter keeps the
// contacts whose filter field contains the filter value, ignoring case.
// An empty owner lists every contact.
func (s *ContactStore) List(ctx context.Context, owner string, filter *Filter) ([]*Contact, error) {
	query := "SELECT " + contactColumns + " FROM contacts WHERE (? = '' OR owner = ?)"
	args := []interface{}{owner, owner}
	if filter != nil {
		if _, ok := LookupContactField(filter.Field); !ok {
			return nil, errors.Newf("filter %d names unknown field %q", filter.ID, filter.Field)
		}
		query += fmt.Sprintf(" AND %s LIKE ?", filter.Field)
		args = append(args, "%"+filter.Value+"%")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list contacts")
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan contact")
		}
		contacts = append(contacts, c)
	}
	return contacts, errors.Wrap(rows.Err(), "failed to iterate contacts")
}

// UpdateField writes one column of a contact
func (s *ContactStore) UpdateField(ctx context.Context, id int64, field, value string) error {
	if _, ok := LookupContactField(field); !ok {
		return errors.Newf("unknown contact field %q", field)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("UPDATE contacts SET %s = ? WHERE id = ?", field), value, id)
	if err != nil {
		return errors.Wrapf(err, "failed to update contact %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("contact %d", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanContact(row scanner) (*Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.Owner, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.City, &c.Description)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
