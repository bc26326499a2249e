package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/BTreeMap/CRMPipe/internal/models"
	"github.com/BTreeMap/CRMPipe/internal/util"
)

// ContactRepo stores contacts, account tags and custom field values.
type ContactRepo interface {
	CreateContact(ctx context.Context, c *models.Contact) error
	// GetContact returns the contact with its tag names filled.
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	// FindContactByPhone returns the account's contact with the given phone, or models.ErrNotFound.
	FindContactByPhone(ctx context.Context, accountID, phone string) (*models.Contact, error)
	UpdateContactName(ctx context.Context, id, name string) error

	CreateTag(ctx context.Context, t *models.Tag) error
	ListTags(ctx context.Context, accountID string) ([]models.Tag, error)
	// AttachTag links a tag to a contact and reports whether the link is new.
	AttachTag(ctx context.Context, contactID, tagID string) (bool, error)

	CreateCustomField(ctx context.Context, f *models.CustomField) error
	ListCustomFields(ctx context.Context, accountID string) ([]models.CustomField, error)
	UpsertFieldValue(ctx context.Context, contactID, fieldID, value string) error
	// GetFieldValue returns nil when the contact has no value for the field.
	GetFieldValue(ctx context.Context, contactID, fieldID string) (*models.CustomFieldValue, error)
	ListFieldValues(ctx context.Context, contactID string) ([]models.CustomFieldValue, error)
}

var _ ContactRepo = (*Store)(nil)

func (s *Store) CreateContact(ctx context.Context, c *models.Contact) error {
	if c.ID == "" {
		c.ID = util.NewID("ct_")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO contacts (id, account_id, name, phone, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.AccountID, c.Name, c.Phone, c.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create contact failed: %w", err)
	}
	return nil
}

func (s *Store) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	var c models.Contact
	err := s.queryRow(ctx, `SELECT id, account_id, name, phone, created_at FROM contacts WHERE id = ?`, id).
		Scan(&c.ID, &c.AccountID, &c.Name, &c.Phone, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, "get contact")
	}

	rows, err := s.query(ctx,
		`SELECT t.name FROM contact_tags ct JOIN tags t ON t.id = ct.tag_id WHERE ct.contact_id = ? ORDER BY t.name`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("contact tags query failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan contact tag failed: %w", err)
		}
		c.Tags = append(c.Tags, name)
	}
	return &c, rows.Err()
}

func (s *Store) FindContactByPhone(ctx context.Context, accountID, phone string) (*models.Contact, error) {
	var id string
	err := s.queryRow(ctx,
		`SELECT id FROM contacts WHERE account_id = ? AND phone = ? ORDER BY created_at LIMIT 1`,
		accountID, phone,
	).Scan(&id)
	if err != nil {
		return nil, notFound(err, "find contact by phone")
	}
	return s.GetContact(ctx, id)
}

func (s *Store) UpdateContactName(ctx context.Context, id, name string) error {
	res, err := s.exec(ctx, `UPDATE contacts SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("update contact name failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update contact name: %w", models.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateTag(ctx context.Context, t *models.Tag) error {
	if t.ID == "" {
		t.ID = util.NewID("tag_")
	}
	if _, err := s.exec(ctx, `INSERT INTO tags (id, account_id, name) VALUES (?, ?, ?)`, t.ID, t.AccountID, t.Name); err != nil {
		return fmt.Errorf("create tag failed: %w", err)
	}
	return nil
}

func (s *Store) ListTags(ctx context.Context, accountID string) ([]models.Tag, error) {
	rows, err := s.query(ctx, `SELECT id, account_id, name FROM tags WHERE account_id = ? ORDER BY name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list tags failed: %w", err)
	}
	defer rows.Close()

	var out []models.Tag
	for rows.Next() {
		var t models.Tag
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Name); err != nil {
			return nil, fmt.Errorf("scan tag failed: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AttachTag(ctx context.Context, contactID, tagID string) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO contact_tags (contact_id, tag_id) VALUES (?, ?) ON CONFLICT (contact_id, tag_id) DO NOTHING`,
		contactID, tagID,
	)
	if err != nil {
		return false, fmt.Errorf("attach tag failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) CreateCustomField(ctx context.Context, f *models.CustomField) error {
	if f.ID == "" {
		f.ID = util.NewID("fld_")
	}
	if f.Key == "" {
		f.Key = f.Name
	}
	_, err := s.exec(ctx,
		`INSERT INTO custom_fields (id, account_id, field_key, name) VALUES (?, ?, ?, ?)`,
		f.ID, f.AccountID, f.Key, f.Name,
	)
	if err != nil {
		return fmt.Errorf("create custom field failed: %w", err)
	}
	return nil
}

func (s *Store) ListCustomFields(ctx context.Context, accountID string) ([]models.CustomField, error) {
	rows, err := s.query(ctx,
		`SELECT id, account_id, field_key, name FROM custom_fields WHERE account_id = ? ORDER BY name`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list custom fields failed: %w", err)
	}
	defer rows.Close()

	var out []models.CustomField
	for rows.Next() {
		var f models.CustomField
		if err := rows.Scan(&f.ID, &f.AccountID, &f.Key, &f.Name); err != nil {
			return nil, fmt.Errorf("scan custom field failed: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) UpsertFieldValue(ctx context.Context, contactID, fieldID, value string) error {
	_, err := s.exec(ctx,
		`INSERT INTO custom_field_values (contact_id, field_id, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (contact_id, field_id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		contactID, fieldID, value, s.now(),
	)
	if err != nil {
		return fmt.Errorf("upsert field value failed: %w", err)
	}
	return nil
}

const fieldValueSelect = `SELECT v.contact_id, v.field_id, f.field_key, f.name, v.value, v.updated_at
	FROM custom_field_values v JOIN custom_fields f ON f.id = v.field_id`

func scanFieldValue(row rowScanner) (models.CustomFieldValue, error) {
	var v models.CustomFieldValue
	err := row.Scan(&v.ContactID, &v.FieldID, &v.FieldKey, &v.FieldName, &v.Value, &v.UpdatedAt)
	return v, err
}

func (s *Store) GetFieldValue(ctx context.Context, contactID, fieldID string) (*models.CustomFieldValue, error) {
	v, err := scanFieldValue(s.queryRow(ctx, fieldValueSelect+` WHERE v.contact_id = ? AND v.field_id = ?`, contactID, fieldID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get field value failed: %w", err)
	}
	return &v, nil
}

func (s *Store) ListFieldValues(ctx context.Context, contactID string) ([]models.CustomFieldValue, error) {
	rows, err := s.query(ctx, fieldValueSelect+` WHERE v.contact_id = ? ORDER BY f.name`, contactID)
	if err != nil {
		return nil, fmt.Errorf("list field values failed: %w", err)
	}
	defer rows.Close()

	var out []models.CustomFieldValue
	for rows.Next() {
		v, err := scanFieldValue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan field value failed: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
