package repos

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"crm-event-pipeline/api/internal/models"
)

type ContactsRepo struct {
	db DBTX
}

func NewContactsRepo(db DBTX) *ContactsRepo {
	return &ContactsRepo{db: db}
}

// UpsertContact keys contacts by lower-cased email. An empty name never
// overwrites a stored one.
func (r *ContactsRepo) UpsertContact(ctx context.Context, email string, name string) (models.EmailContact, error) {
	var contact models.EmailContact
	now := time.Now().UTC()
	err := r.db.QueryRow(ctx, `
		INSERT INTO email_contacts (email, name, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (email) DO UPDATE SET
			name = COALESCE(EXCLUDED.name, email_contacts.name),
			updated_at = EXCLUDED.updated_at
		RETURNING contact_id, email, name, created_at, updated_at
	`, strings.ToLower(strings.TrimSpace(email)), nullIfEmpty(name), now).
		Scan(&contact.ContactID, &contact.Email, &contact.Name, &contact.CreatedAt, &contact.UpdatedAt)
	return contact, err
}

func (r *ContactsRepo) UpsertGroup(ctx context.Context, name string) (models.EmailGroup, error) {
	var group models.EmailGroup
	// DO UPDATE with a no-op assignment so RETURNING yields the existing row.
	err := r.db.QueryRow(ctx, `
		INSERT INTO email_groups (name)
		VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING group_id, name, created_at
	`, strings.TrimSpace(name)).
		Scan(&group.GroupID, &group.Name, &group.CreatedAt)
	return group, err
}

// EnsureGroupMember upserts the named group and adds the contact to it.
func (r *ContactsRepo) EnsureGroupMember(ctx context.Context, contactID uuid.UUID, groupName string) error {
	group, err := r.UpsertGroup(ctx, groupName)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO email_group_members (group_id, contact_id)
		VALUES ($1, $2)
		ON CONFLICT (group_id, contact_id) DO NOTHING
	`, group.GroupID, contactID)
	return err
}

