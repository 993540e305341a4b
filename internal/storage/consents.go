package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/thenexusengine/ladbid/internal/consent"
)

// ErrConsentNotFound is returned when deleting a user with no record
var ErrConsentNotFound = errors.New("vendor consent not found")

// VendorConsent is a stored consent record for one user
type VendorConsent struct {
	UserID        string    `json:"user_id"`
	GDPRApplies   bool      `json:"gdpr_applies"`
	ConsentString string    `json:"consent_string"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ConsentStore provides database operations for vendor consents. It is
// also a consent.Platform answering getVendorConsents from the table.
type ConsentStore struct {
	db *sql.DB
}

// NewConsentStore creates a new consent store
func NewConsentStore(db *sql.DB) *ConsentStore {
	return &ConsentStore{db: db}
}

// CreateTables creates the vendor_consents table if it does not exist
func (s *ConsentStore) CreateTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS vendor_consents (
			user_id        TEXT PRIMARY KEY,
			gdpr_applies   BOOLEAN NOT NULL DEFAULT FALSE,
			consent_string TEXT NOT NULL DEFAULT '',
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create vendor_consents: %w", err)
	}
	return nil
}

// Get retrieves the consent record for a user
func (s *ConsentStore) Get(ctx context.Context, userID string) (*VendorConsent, error) {
	query := `
		SELECT user_id, gdpr_applies, consent_string, updated_at
		FROM vendor_consents
		WHERE user_id = $1
	`

	var vc VendorConsent
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&vc.UserID,
		&vc.GDPRApplies,
		&vc.ConsentString,
		&vc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // No consent recorded
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query vendor consent: %w", err)
	}

	return &vc, nil
}

// Upsert records or replaces a user's consent
func (s *ConsentStore) Upsert(ctx context.Context, vc *VendorConsent) error {
	if vc.UserID == "" {
		return errors.New("user_id is required")
	}

	query := `
		INSERT INTO vendor_consents (user_id, gdpr_applies, consent_string, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET gdpr_applies = EXCLUDED.gdpr_applies,
		    consent_string = EXCLUDED.consent_string,
		    updated_at = NOW()
		RETURNING updated_at
	`

	err := s.db.QueryRowContext(ctx, query, vc.UserID, vc.GDPRApplies, vc.ConsentString).Scan(&vc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert vendor consent: %w", err)
	}
	return nil
}

// Delete removes a user's consent record
func (s *ConsentStore) Delete(ctx context.Context, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM vendor_consents WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete vendor consent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrConsentNotFound, userID)
	}
	return nil
}

// Call implements consent.Platform. Unknown users answer with no consent.
func (s *ConsentStore) Call(ctx context.Context, command string, parameter json.RawMessage) (*consent.Consent, error) {
	if command != consent.CommandGetVendorConsents {
		return nil, fmt.Errorf("%w: %s", consent.ErrUnsupportedCommand, command)
	}

	userID := consent.UserIDFromParameter(parameter)
	if userID == "" {
		return nil, nil
	}

	vc, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if vc == nil {
		return nil, nil
	}
	return &consent.Consent{
		GDPRApplies:   vc.GDPRApplies,
		ConsentString: vc.ConsentString,
	}, nil
}

// Ping checks the database connection
func (s *ConsentStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
