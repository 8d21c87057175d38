package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CheckTables probes the tables the API depends on. Used by the aggregate
// health endpoint; a missing table fails fast instead of 500ing later.
func (s *PostgresStore) CheckTables(ctx context.Context) error {
	tables := []string{"users", "worlds", "world_members", "entities", "templates"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s LIMIT 1`, table)); err != nil {
			return fmt.Errorf("table %s: %w", table, err)
		}
	}
	return nil
}

// ── Users ──

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_email_verified
		FROM users WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, is_email_verified
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// UpsertOAuthUser materializes a user row for an OAuth identity. OAuth
// emails arrive verified by the provider.
func (s *PostgresStore) UpsertOAuthUser(ctx context.Context, email, displayName string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, email, is_email_verified)
		VALUES (gen_random_uuid(), $1, LOWER($2), TRUE)
		ON CONFLICT (email) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, email, is_email_verified
	`, displayName, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.IsEmailVerified)
	if err != nil {
		return User{}, fmt.Errorf("upsert oauth user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3 WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("set verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark reset used: %w", err)
	}
	return nil
}

// ── Profiles ──

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	var socialLinks, preferences []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, bio, website, avatar_url, social_links, preferences, updated_at
		FROM profiles WHERE user_id=$1
	`, userID).Scan(&profile.UserID, &profile.Bio, &profile.Website, &profile.AvatarURL, &socialLinks, &preferences, &profile.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{UserID: userID, SocialLinks: map[string]string{}}, nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	profile.SocialLinks = map[string]string{}
	if len(socialLinks) > 0 {
		if err := json.Unmarshal(socialLinks, &profile.SocialLinks); err != nil {
			return Profile{}, fmt.Errorf("decode social links: %w", err)
		}
	}
	profile.Preferences = preferences
	return profile, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, profile Profile) error {
	socialLinks, err := json.Marshal(profile.SocialLinks)
	if err != nil {
		return fmt.Errorf("encode social links: %w", err)
	}
	preferences := profile.Preferences
	if len(preferences) == 0 {
		preferences = json.RawMessage(`{}`)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, bio, website, avatar_url, social_links, preferences, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			bio=EXCLUDED.bio, website=EXCLUDED.website, avatar_url=EXCLUDED.avatar_url,
			social_links=EXCLUDED.social_links, preferences=EXCLUDED.preferences, updated_at=NOW()
	`, profile.UserID, profile.Bio, profile.Website, profile.AvatarURL, socialLinks, []byte(preferences))
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// ── Worlds ──

func (s *PostgresStore) ListWorldsForUser(ctx context.Context, userID string) ([]World, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.description, w.owner_id, w.is_public, w.is_archived, w.created_at, w.updated_at
		FROM worlds w
		JOIN world_members wm ON wm.world_id = w.id
		WHERE wm.user_id = $1
		ORDER BY w.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list worlds: %w", err)
	}
	defer rows.Close()

	items := make([]World, 0)
	for rows.Next() {
		var item World
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.OwnerID, &item.IsPublic, &item.IsArchived, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan world: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate worlds: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetWorld(ctx context.Context, worldID string) (World, error) {
	var item World
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, owner_id, is_public, is_archived, created_at, updated_at
		FROM worlds WHERE id=$1
	`, worldID).Scan(&item.ID, &item.Name, &item.Description, &item.OwnerID, &item.IsPublic, &item.IsArchived, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return World{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertWorld(ctx context.Context, item World) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worlds (id, name, description, owner_id, is_public)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.Name, item.Description, item.OwnerID, item.IsPublic)
	if err != nil {
		return fmt.Errorf("insert world: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateWorld(ctx context.Context, worldID, name, description string, isPublic, isArchived bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE worlds SET name=$2, description=$3, is_public=$4, is_archived=$5, updated_at=NOW()
		WHERE id=$1
	`, worldID, name, description, isPublic, isArchived)
	if err != nil {
		return fmt.Errorf("update world: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update world rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteWorld removes the world row; children cascade via foreign keys
// owned by the schema, not this code.
func (s *PostgresStore) DeleteWorld(ctx context.Context, worldID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM worlds WHERE id=$1`, worldID)
	if err != nil {
		return fmt.Errorf("delete world: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete world rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ── Members ──

func (s *PostgresStore) GetMemberRole(ctx context.Context, worldID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM world_members WHERE world_id=$1 AND user_id=$2
	`, worldID, userID).Scan(&role)
	if err != nil {
		return "", err
	}
	return role, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, worldID string) ([]WorldMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wm.world_id, wm.user_id, wm.role, u.display_name, u.email, wm.created_at
		FROM world_members wm
		JOIN users u ON u.id = wm.user_id
		WHERE wm.world_id=$1
		ORDER BY wm.created_at ASC
	`, worldID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]WorldMember, 0)
	for rows.Next() {
		var item WorldMember
		if err := rows.Scan(&item.WorldID, &item.UserID, &item.Role, &item.DisplayName, &item.Email, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountOwners(ctx context.Context, worldID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM world_members WHERE world_id=$1 AND role='owner'
	`, worldID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count owners: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpsertMember(ctx context.Context, worldID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO world_members (world_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (world_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, worldID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMemberRole(ctx context.Context, worldID, userID, role string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE world_members SET role=$3 WHERE world_id=$1 AND user_id=$2
	`, worldID, userID, role)
	if err != nil {
		return fmt.Errorf("update member role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update member rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, worldID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM world_members WHERE world_id=$1 AND user_id=$2
	`, worldID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove member rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ── Invites ──

func (s *PostgresStore) InsertInvite(ctx context.Context, invite WorldInvite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO world_invites (id, world_id, email, role, token_hash, invited_by, expires_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, invite.ID, invite.WorldID, invite.Email, invite.Role, invite.TokenHash, invite.InvitedBy, invite.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert invite: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInvite(ctx context.Context, worldID, inviteID string) (WorldInvite, error) {
	var item WorldInvite
	err := s.db.QueryRowContext(ctx, `
		SELECT id, world_id, email, role, invited_by, expires_at, consumed_at, created_at
		FROM world_invites WHERE id=$1 AND world_id=$2
	`, inviteID, worldID).Scan(&item.ID, &item.WorldID, &item.Email, &item.Role, &item.InvitedBy, &item.ExpiresAt, &item.ConsumedAt, &item.CreatedAt)
	if err != nil {
		return WorldInvite{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteInvite(ctx context.Context, worldID, inviteID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM world_invites WHERE id=$1 AND world_id=$2
	`, inviteID, worldID)
	if err != nil {
		return fmt.Errorf("delete invite: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete invite rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AcceptInvite delegates to the accept_world_invite SQL function, which
// atomically checks expiry/consumed state, marks the invite consumed, and
// inserts the membership row. A false result means the token was invalid,
// expired, or already used; no membership is created in that case.
func (s *PostgresStore) AcceptInvite(ctx context.Context, tokenHash, userID string) (InviteAcceptance, error) {
	var result InviteAcceptance
	var worldID, role sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT accepted, world_id, member_role FROM accept_world_invite($1, $2)
	`, tokenHash, userID).Scan(&result.Accepted, &worldID, &role)
	if err != nil {
		return InviteAcceptance{}, fmt.Errorf("accept invite: %w", err)
	}
	result.WorldID = worldID.String
	result.Role = role.String
	return result, nil
}
