package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/poemonsense/antigravity-hub/internal/config"
	"github.com/poemonsense/antigravity-hub/internal/utils"
)

// Token holds an account's OAuth credential subset.
type Token struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	ExpiresIn       int64  `json:"expires_in"`
	ExpiryTimestamp int64  `json:"expiry_timestamp"`
	ProjectID       string `json:"project_id,omitempty"`
	Tier            string `json:"subscription_tier,omitempty"`
}

// Account is the persisted credential record.
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Token Token  `json:"token"`

	Disabled       bool   `json:"disabled"`
	DisabledReason string `json:"disabled_reason,omitempty"`
	DisabledAt     int64  `json:"disabled_at,omitempty"`

	ProxyDisabled       bool   `json:"proxy_disabled"`
	ProxyDisabledReason string `json:"proxy_disabled_reason,omitempty"`
	ProxyDisabledAt     int64  `json:"proxy_disabled_at,omitempty"`

	IsCurrent bool  `json:"is_current"`
	CreatedAt int64 `json:"created_at"`
	LastUsed  int64 `json:"last_used"`

	// JSON-encoded nested structures.
	Quota         string `json:"quota,omitempty"`
	DeviceProfile string `json:"device_profile,omitempty"`
}

const accountColumns = `id, email, COALESCE(name,''), access_token, refresh_token,
	expires_in, expiry_timestamp, COALESCE(project_id,''), COALESCE(subscription_tier,''),
	COALESCE(disabled,0), COALESCE(disabled_reason,''), COALESCE(disabled_at,0),
	COALESCE(proxy_disabled,0), COALESCE(proxy_disabled_reason,''), COALESCE(proxy_disabled_at,0),
	COALESCE(is_current,0), COALESCE(created_at,0), COALESCE(last_used,0),
	COALESCE(quota,''), COALESCE(device_profile,'')`

func scanAccount(row interface{ Scan(...interface{}) error }) (*Account, error) {
	a := &Account{}
	err := row.Scan(
		&a.ID, &a.Email, &a.Name, &a.Token.AccessToken, &a.Token.RefreshToken,
		&a.Token.ExpiresIn, &a.Token.ExpiryTimestamp, &a.Token.ProjectID, &a.Token.Tier,
		&a.Disabled, &a.DisabledReason, &a.DisabledAt,
		&a.ProxyDisabled, &a.ProxyDisabledReason, &a.ProxyDisabledAt,
		&a.IsCurrent, &a.CreatedAt, &a.LastUsed,
		&a.Quota, &a.DeviceProfile,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAccounts returns all accounts ordered by created_at desc.
func (s *Store) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM accounts ORDER BY created_at DESC", accountColumns))
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// LoadAccount fetches a single account by id.
func (s *Store) LoadAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM accounts WHERE id = ?", accountColumns), id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s not found", id)
	}
	return a, err
}

// LoadAccountByEmail fetches a single account by email.
func (s *Store) LoadAccountByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM accounts WHERE email = ?", accountColumns), email)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s not found", email)
	}
	return a, err
}

// UpsertAccount inserts a fresh account for a new email, or replaces the
// token and display name of an existing one. The first account ever
// inserted becomes the current one.
func (s *Store) UpsertAccount(ctx context.Context, email, name string, token Token) (*Account, error) {
	now := time.Now().Unix()

	existing, err := s.LoadAccountByEmail(ctx, email)
	if err == nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE accounts SET name = ?, access_token = ?, refresh_token = ?,
				expires_in = ?, expiry_timestamp = ?, project_id = ?, subscription_tier = ?,
				last_used = ?
			WHERE id = ?`,
			name, token.AccessToken, token.RefreshToken,
			token.ExpiresIn, token.ExpiryTimestamp,
			nullable(token.ProjectID), nullable(token.Tier),
			now, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("update account: %w", err)
		}
		return s.LoadAccount(ctx, existing.ID)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts").Scan(&count); err != nil {
		return nil, fmt.Errorf("count accounts: %w", err)
	}
	isCurrent := count == 0

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, name, access_token, refresh_token,
			expires_in, expiry_timestamp, project_id, subscription_tier,
			is_current, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, email, name, token.AccessToken, token.RefreshToken,
		token.ExpiresIn, token.ExpiryTimestamp,
		nullable(token.ProjectID), nullable(token.Tier),
		isCurrent, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	utils.Success("[Store] Account added: %s", email)
	return s.LoadAccount(ctx, id)
}

// DeleteAccounts deletes accounts by id. If the current account was among
// them, the first remaining account is promoted.
func (s *Store) DeleteAccounts(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	deletedCurrent := false
	for _, id := range ids {
		var isCurrent bool
		err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(is_current,0) FROM accounts WHERE id = ?", id).Scan(&isCurrent)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		if isCurrent {
			deletedCurrent = true
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete account %s: %w", id, err)
		}
	}

	if deletedCurrent {
		_, err = tx.ExecContext(ctx,
			`UPDATE accounts SET is_current = 1 WHERE id =
				(SELECT id FROM accounts ORDER BY created_at DESC LIMIT 1)`)
		if err != nil {
			return fmt.Errorf("promote current: %w", err)
		}
	}

	return tx.Commit()
}

// SwitchCurrent atomically makes the given account the current one.
func (s *Store) SwitchCurrent(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE accounts SET is_current = 1, last_used = ? WHERE id = ?",
		time.Now().Unix(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("account %s not found", id)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE accounts SET is_current = 0 WHERE id != ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// SetDisabled marks an account disabled with a reason (truncated to 800
// chars). Disabled accounts stay fetchable but are skipped by scheduling.
func (s *Store) SetDisabled(ctx context.Context, id, reason string) error {
	reason = utils.TruncateString(reason, config.DisabledReasonMaxLen)
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET disabled = 1, disabled_reason = ?, disabled_at = ? WHERE id = ?",
		reason, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("disable account: %w", err)
	}
	return nil
}

// SetEnabled clears the disabled flag.
func (s *Store) SetEnabled(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET disabled = 0, disabled_reason = NULL, disabled_at = NULL WHERE id = ?", id)
	return err
}

// SetProxyDisabled marks an account as excluded from proxy rotation only.
func (s *Store) SetProxyDisabled(ctx context.Context, id string, disabled bool, reason string) error {
	if !disabled {
		_, err := s.db.ExecContext(ctx,
			"UPDATE accounts SET proxy_disabled = 0, proxy_disabled_reason = NULL, proxy_disabled_at = NULL WHERE id = ?", id)
		return err
	}
	reason = utils.TruncateString(reason, config.DisabledReasonMaxLen)
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET proxy_disabled = 1, proxy_disabled_reason = ?, proxy_disabled_at = ? WHERE id = ?",
		reason, time.Now().Unix(), id)
	return err
}

// UpdateToken replaces the access token after a refresh.
func (s *Store) UpdateToken(ctx context.Context, id, accessToken string, expiresIn, expiryTimestamp int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET access_token = ?, expires_in = ?, expiry_timestamp = ? WHERE id = ?",
		accessToken, expiresIn, expiryTimestamp, id)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	return nil
}

// UpdateProjectID persists a freshly resolved project id.
func (s *Store) UpdateProjectID(ctx context.Context, id, projectID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET project_id = ? WHERE id = ?", projectID, id)
	return err
}

// UpdateTier persists a freshly resolved subscription tier.
func (s *Store) UpdateTier(ctx context.Context, id, tier string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET subscription_tier = ? WHERE id = ?", tier, id)
	return err
}

// UpdateQuota persists the JSON-encoded quota snapshot.
func (s *Store) UpdateQuota(ctx context.Context, id, quotaJSON string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET quota = ? WHERE id = ?", quotaJSON, id)
	return err
}

// TouchLastUsed bumps last_used to now.
func (s *Store) TouchLastUsed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET last_used = ? WHERE id = ?", time.Now().Unix(), id)
	return err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
