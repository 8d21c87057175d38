package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"worldloom/api/internal/accounts"
	"worldloom/api/internal/auth"
	"worldloom/api/internal/config"
	"worldloom/api/internal/oauth"
	"worldloom/api/internal/rbac"
	"worldloom/api/internal/search"
	"worldloom/api/internal/session"
	"worldloom/api/internal/store"
	"worldloom/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	CheckTables(ctx context.Context) error

	GetUserByID(ctx context.Context, userID string) (store.User, error)
	UpsertOAuthUser(ctx context.Context, email, displayName string) (store.User, error)

	GetProfile(ctx context.Context, userID string) (store.Profile, error)
	UpsertProfile(ctx context.Context, profile store.Profile) error

	ListWorldsForUser(ctx context.Context, userID string) ([]store.World, error)
	GetWorld(ctx context.Context, worldID string) (store.World, error)
	InsertWorld(ctx context.Context, item store.World) error
	UpdateWorld(ctx context.Context, worldID, name, description string, isPublic, isArchived bool) error
	DeleteWorld(ctx context.Context, worldID string) error

	GetMemberRole(ctx context.Context, worldID, userID string) (string, error)
	ListMembers(ctx context.Context, worldID string) ([]store.WorldMember, error)
	CountOwners(ctx context.Context, worldID string) (int, error)
	UpsertMember(ctx context.Context, worldID, userID, role string) error
	UpdateMemberRole(ctx context.Context, worldID, userID, role string) error
	RemoveMember(ctx context.Context, worldID, userID string) error

	InsertInvite(ctx context.Context, invite store.WorldInvite) error
	GetInvite(ctx context.Context, worldID, inviteID string) (store.WorldInvite, error)
	DeleteInvite(ctx context.Context, worldID, inviteID string) error
	AcceptInvite(ctx context.Context, tokenHash, userID string) (store.InviteAcceptance, error)

	ListFolders(ctx context.Context, worldID string) ([]store.Folder, error)
	GetFolder(ctx context.Context, worldID, folderID string) (store.Folder, error)
	GetCoreFolder(ctx context.Context, worldID string) (store.Folder, error)
	InsertFolder(ctx context.Context, item store.Folder) error
	UpdateFolder(ctx context.Context, worldID, folderID, name, color, description string) error
	DeleteFolder(ctx context.Context, worldID, folderID string) error

	ListSystemTemplates(ctx context.Context) ([]store.Template, error)
	ListWorldTemplates(ctx context.Context, worldID string) ([]store.Template, error)
	ListTemplateNamesInFolder(ctx context.Context, worldID, folderID string) (map[string]bool, error)
	GetTemplate(ctx context.Context, templateID string) (store.Template, error)
	InsertTemplate(ctx context.Context, item store.Template) error
	UpdateTemplate(ctx context.Context, templateID, name, category, icon string, fields []store.TemplateField) error
	DeleteTemplate(ctx context.Context, worldID, templateID string) error

	ListEntities(ctx context.Context, worldID, folderID string) ([]store.Entity, error)
	GetEntity(ctx context.Context, worldID, entityID string) (store.Entity, error)
	InsertEntity(ctx context.Context, item store.Entity) error
	UpdateEntity(ctx context.Context, item store.Entity) error
	DeleteEntity(ctx context.Context, worldID, entityID string) error

	ListRelationships(ctx context.Context, worldID string) ([]store.Relationship, error)
	InsertRelationship(ctx context.Context, item store.Relationship) error
	DeleteRelationship(ctx context.Context, worldID, relationshipID string) error

	ListMaps(ctx context.Context, worldID string) ([]store.WorldMap, error)
	GetMap(ctx context.Context, worldID, mapID string) (store.WorldMap, error)
	InsertMap(ctx context.Context, item store.WorldMap) error
	DeleteMap(ctx context.Context, worldID, mapID string) error
	ListMarkers(ctx context.Context, mapID string) ([]store.MapMarker, error)
	InsertMarker(ctx context.Context, item store.MapMarker) error
	DeleteMarker(ctx context.Context, mapID, markerID string) error

	InsertActivity(ctx context.Context, entry store.ActivityEntry) error
	ListActivity(ctx context.Context, worldID string, limit int) ([]store.ActivityEntry, error)
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, identity session.Identity, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (session.Identity, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

type objectStorage interface {
	UploadMapImage(ctx context.Context, worldID, contentType string, size int64, reader io.Reader) (string, error)
	RemoveObject(ctx context.Context, objectPath string) error
	Ping(ctx context.Context) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexEntity(record search.EntityRecord)
	DeleteEntity(id string)
	ReindexWorld(ctx context.Context, worldID string)
}

type mailer interface {
	IsConfigured() bool
	SendWorldInviteEmail(to, inviterName, worldName, role, inviteURL string) error
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	storage  objectStorage // nil when object storage is not configured
	search   searchIndex   // nil when search is not configured
	email    mailer        // nil when SMTP is not configured
	accounts *accounts.Service
	oauth    *oauth.Provider // nil when the provider is not configured

	healthSlowAfter time.Duration
}

func New(cfg config.Config, dataStore dataStore, sessions sessionStore, storage objectStorage, searchIndex searchIndex, email mailer, accountsSvc *accounts.Service, oauthProvider *oauth.Provider) *Service {
	return &Service{
		cfg:             cfg,
		store:           dataStore,
		sessions:        sessions,
		storage:         storage,
		search:          searchIndex,
		email:           email,
		accounts:        accountsSvc,
		oauth:           oauthProvider,
		healthSlowAfter: time.Second,
	}
}

func (s *Service) AccountsService() *accounts.Service { return s.accounts }
func (s *Service) OAuthProvider() *oauth.Provider     { return s.oauth }

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SendVerificationEmail mails a signup verification link without blocking
// the request.
func (s *Service) SendVerificationEmail(to, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	verifyURL := s.cfg.PostLoginURL + "?verify=" + token
	go func() {
		if err := s.email.SendVerificationEmail(to, userName, verifyURL); err != nil {
			log.Printf("email: verification send to %s failed: %v", to, err)
		}
	}()
}

// SendPasswordResetEmail mails a password reset link without blocking the
// request.
func (s *Service) SendPasswordResetEmail(to, token string) {
	if !s.SMTPConfigured() {
		return
	}
	resetURL := s.cfg.PostLoginURL + "?reset=" + token
	go func() {
		if err := s.email.SendPasswordResetEmail(to, to, resetURL); err != nil {
			log.Printf("email: reset send to %s failed: %v", to, err)
		}
	}()
}

// ── Sessions ──

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// SessionForOAuthUser upserts the user by provider identity and issues a
// session, used by the OAuth callback.
func (s *Service) SessionForOAuthUser(ctx context.Context, info oauth.UserInfo) (Session, error) {
	name := info.Name
	if name == "" {
		name = info.Email
	}
	user, err := s.store.UpsertOAuthUser(ctx, info.Email, name)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	identity, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, identity.UserID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID()

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken("rft")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	identity := session.Identity{UserID: user.ID, DisplayName: user.DisplayName, CreatedAt: now}
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), identity, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// ── Authorization ──

// requireWorldRole resolves the caller's role for a world and compares it
// against the minimum. Unknown worlds map to 404; public worlds grant
// viewer access to any authenticated user.
func (s *Service) requireWorldRole(ctx context.Context, worldID, userID string, required rbac.Role) (store.World, string, error) {
	world, err := s.store.GetWorld(ctx, worldID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.World{}, "", errNotFound("World not found")
		}
		return store.World{}, "", err
	}

	role, err := s.store.GetMemberRole(ctx, worldID, userID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return store.World{}, "", err
		}
		if world.IsPublic && required == rbac.RoleViewer {
			return world, string(rbac.RoleViewer), nil
		}
		return store.World{}, "", errForbidden("You are not a member of this world")
	}

	actor, ok := rbac.Normalize(role)
	if !ok || !rbac.Allows(actor, required) {
		return store.World{}, "", errForbidden("Insufficient role")
	}
	return world, role, nil
}

// ── Profile ──

func (s *Service) GetProfile(ctx context.Context, userID string) (map[string]any, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return profilePayload(profile), nil
}

var profileShape = Shape{
	"bio":          {Type: "string", MaxLen: 500},
	"website":      {Type: "string", URL: true, MaxLen: 500},
	"avatarUrl":    {Type: "string", URL: true, MaxLen: 500},
	"social_links": {Type: "stringmap"},
	"preferences":  {}, // open-ended JSON bag, stored verbatim
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, body map[string]any) (map[string]any, error) {
	values, err := ValidateMap(body, profileShape)
	if err != nil {
		return nil, err
	}

	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	profile.UserID = userID
	if v, ok := values["bio"].(string); ok {
		profile.Bio = v
	}
	if v, ok := values["website"].(string); ok {
		profile.Website = v
	}
	if v, ok := values["avatarUrl"].(string); ok {
		profile.AvatarURL = v
	}
	if v, ok := values["social_links"].(map[string]string); ok {
		profile.SocialLinks = v
	}
	if raw, ok := values["preferences"]; ok {
		encoded, err := encodeJSON(raw)
		if err != nil {
			return nil, errValidation([]Issue{{Field: "preferences", Message: "must be valid JSON"}})
		}
		profile.Preferences = encoded
	}

	if err := s.store.UpsertProfile(ctx, profile); err != nil {
		return nil, err
	}
	return profilePayload(profile), nil
}

func profilePayload(profile store.Profile) map[string]any {
	payload := map[string]any{
		"userId":       profile.UserID,
		"bio":          profile.Bio,
		"website":      profile.Website,
		"avatarUrl":    profile.AvatarURL,
		"social_links": profile.SocialLinks,
	}
	if len(profile.Preferences) > 0 {
		payload["preferences"] = profile.Preferences
	}
	return payload
}

// ── Activity ──

// logActivity records an audit entry without blocking the request. Failures
// are warnings only.
func (s *Service) logActivity(userID, userName, worldID, action, targetType, targetID string, fields []string) {
	entry := store.ActivityEntry{
		WorldID:    worldID,
		ActorID:    userID,
		ActorName:  userName,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Fields:     fields,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.InsertActivity(ctx, entry); err != nil {
			log.Printf("activity: insert failed for world %s: %v", worldID, err)
		}
	}()
}

func (s *Service) ListActivity(ctx context.Context, worldID, userID string, limit int) ([]map[string]any, error) {
	if _, _, err := s.requireWorldRole(ctx, worldID, userID, rbac.RoleViewer); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	entries, err := s.store.ListActivity(ctx, worldID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"id":         entry.ID,
			"actorId":    entry.ActorID,
			"actorName":  entry.ActorName,
			"action":     entry.Action,
			"targetType": entry.TargetType,
			"targetId":   entry.TargetID,
			"fields":     entry.Fields,
			"createdAt":  entry.CreatedAt,
		})
	}
	return items, nil
}

func encodeJSON(value any) (json.RawMessage, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(encoded), nil
}
