package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"worldloom/api/internal/auth"
	"worldloom/api/internal/rbac"
	"worldloom/api/internal/store"
	"worldloom/api/internal/util"
)

const inviteTTL = 14 * 24 * time.Hour

var roleEnum = []string{"viewer", "editor", "admin", "owner"}

// ── Worlds ──

func (s *Service) ListWorlds(ctx context.Context, userID string) ([]map[string]any, error) {
	worlds, err := s.store.ListWorldsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(worlds))
	for _, world := range worlds {
		items = append(items, worldPayload(world))
	}
	return items, nil
}

var worldCreateShape = Shape{
	"name":        {Type: "string", Required: true, MinLen: 1, MaxLen: 200},
	"description": {Type: "string", MaxLen: 5000},
	"isPublic":    {Type: "bool"},
}

// CreateWorld runs the composite creation sequence: the world row and owner
// membership are fatal; Core-folder creation and system-template seeding are
// best effort and surface as seeding="partial" when they fail.
func (s *Service) CreateWorld(ctx context.Context, session Session, body map[string]any) (map[string]any, error) {
	values, err := ValidateMap(body, worldCreateShape)
	if err != nil {
		return nil, err
	}

	world := store.World{
		ID:      util.NewID(),
		Name:    values["name"].(string),
		OwnerID: session.UserID,
	}
	if v, ok := values["description"].(string); ok {
		world.Description = v
	}
	if v, ok := values["isPublic"].(bool); ok {
		world.IsPublic = v
	}

	steps := []sagaStep{
		{name: "world", fatal: true, run: func(ctx context.Context) error {
			if err := s.store.InsertWorld(ctx, world); err != nil {
				return err
			}
			if err := s.store.UpsertMember(ctx, world.ID, session.UserID, string(rbac.RoleOwner)); err != nil {
				// A world without its owner row is unreachable; remove it
				// again rather than strand it.
				if cleanupErr := s.store.DeleteWorld(ctx, world.ID); cleanupErr != nil {
					log.Printf("world %s cleanup after failed owner insert: %v", world.ID, cleanupErr)
				}
				return err
			}
			return nil
		}},
		{name: "core-folder", fatal: false, run: func(ctx context.Context) error {
			return s.ensureCoreFolder(ctx, world.ID)
		}},
		{name: "seed-templates", fatal: false, run: func(ctx context.Context) error {
			return s.seedSystemTemplates(ctx, world.ID)
		}},
	}

	failed, err := runSaga(ctx, steps)
	if err != nil {
		return nil, err
	}

	s.logActivity(session.UserID, session.UserName, world.ID, "world.created", "world", world.ID, nil)

	seeding := "complete"
	if len(failed) > 0 {
		seeding = "partial"
	}
	payload := worldPayload(world)
	payload["seeding"] = seeding
	return payload, nil
}

func (s *Service) GetWorld(ctx context.Context, worldID, userID string) (map[string]any, error) {
	world, role, err := s.requireWorldRole(ctx, worldID, userID, rbac.RoleViewer)
	if err != nil {
		return nil, err
	}
	payload := worldPayload(world)
	payload["role"] = role
	return payload, nil
}

var worldUpdateShape = Shape{
	"name":        {Type: "string", MinLen: 1, MaxLen: 200},
	"description": {Type: "string", MaxLen: 5000},
	"isPublic":    {Type: "bool"},
	"isArchived":  {Type: "bool"},
}

func (s *Service) UpdateWorld(ctx context.Context, session Session, worldID string, body map[string]any) (map[string]any, error) {
	world, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleAdmin)
	if err != nil {
		return nil, err
	}
	values, err := ValidateMap(body, worldUpdateShape)
	if err != nil {
		return nil, err
	}

	var changed []string
	if v, ok := values["name"].(string); ok {
		world.Name = v
		changed = append(changed, "name")
	}
	if v, ok := values["description"].(string); ok {
		world.Description = v
		changed = append(changed, "description")
	}
	if v, ok := values["isPublic"].(bool); ok {
		world.IsPublic = v
		changed = append(changed, "isPublic")
	}
	if v, ok := values["isArchived"].(bool); ok {
		world.IsArchived = v
		changed = append(changed, "isArchived")
	}

	if err := s.store.UpdateWorld(ctx, worldID, world.Name, world.Description, world.IsPublic, world.IsArchived); err != nil {
		return nil, err
	}
	s.logActivity(session.UserID, session.UserName, worldID, "world.updated", "world", worldID, changed)
	return worldPayload(world), nil
}

func (s *Service) DeleteWorld(ctx context.Context, session Session, worldID string) error {
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleOwner); err != nil {
		return err
	}
	if err := s.store.DeleteWorld(ctx, worldID); err != nil {
		return err
	}
	s.logActivity(session.UserID, session.UserName, worldID, "world.deleted", "world", worldID, nil)
	return nil
}

// ── Seeding ──

func (s *Service) ensureCoreFolder(ctx context.Context, worldID string) error {
	_, err := s.store.GetCoreFolder(ctx, worldID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return s.store.InsertFolder(ctx, store.Folder{
		ID:      util.NewID(),
		WorldID: worldID,
		Name:    store.CoreFolderName,
		Kind:    store.FolderKindTemplates,
	})
}

// seedSystemTemplates copies every global system template into the world's
// Core folder. A name check keeps repeated seeding from creating duplicates.
func (s *Service) seedSystemTemplates(ctx context.Context, worldID string) error {
	core, err := s.store.GetCoreFolder(ctx, worldID)
	if err != nil {
		return fmt.Errorf("core folder: %w", err)
	}

	systemTemplates, err := s.store.ListSystemTemplates(ctx)
	if err != nil {
		return fmt.Errorf("list system templates: %w", err)
	}
	existing, err := s.store.ListTemplateNamesInFolder(ctx, worldID, core.ID)
	if err != nil {
		return fmt.Errorf("list existing copies: %w", err)
	}

	var firstErr error
	for _, tpl := range systemTemplates {
		if existing[tpl.Name] {
			continue
		}
		copyID := util.NewID()
		worldRef := worldID
		folderRef := core.ID
		err := s.store.InsertTemplate(ctx, store.Template{
			ID:       copyID,
			WorldID:  &worldRef,
			FolderID: &folderRef,
			Name:     tpl.Name,
			Category: tpl.Category,
			Icon:     tpl.Icon,
			Fields:   tpl.Fields,
			IsSystem: true,
		})
		if err != nil {
			log.Printf("seed: template %q for world %s: %v", tpl.Name, worldID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ReseedWorld re-runs the best-effort seeding steps for an existing world.
func (s *Service) ReseedWorld(ctx context.Context, session Session, worldID string) (map[string]any, error) {
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleAdmin); err != nil {
		return nil, err
	}

	steps := []sagaStep{
		{name: "core-folder", run: func(ctx context.Context) error { return s.ensureCoreFolder(ctx, worldID) }},
		{name: "seed-templates", run: func(ctx context.Context) error { return s.seedSystemTemplates(ctx, worldID) }},
	}
	failed, err := runSaga(ctx, steps)
	if err != nil {
		return nil, err
	}
	seeding := "complete"
	if len(failed) > 0 {
		seeding = "partial"
	}
	return map[string]any{"worldId": worldID, "seeding": seeding}, nil
}

// ReindexWorldSearch rebuilds a world's search index from the primary
// store. No membership check: callers authenticate with the service-role
// token at the HTTP layer.
func (s *Service) ReindexWorldSearch(ctx context.Context, worldID string) error {
	if _, err := s.store.GetWorld(ctx, worldID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("World not found")
		}
		return err
	}
	if s.search != nil {
		s.search.ReindexWorld(ctx, worldID)
	}
	return nil
}

// ── Members ──

func (s *Service) ListWorldMembers(ctx context.Context, worldID, userID string) ([]map[string]any, error) {
	if _, _, err := s.requireWorldRole(ctx, worldID, userID, rbac.RoleViewer); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, worldID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, member := range members {
		items = append(items, map[string]any{
			"userId":      member.UserID,
			"displayName": member.DisplayName,
			"email":       member.Email,
			"role":        member.Role,
			"joinedAt":    member.CreatedAt,
		})
	}
	return items, nil
}

var memberRoleShape = Shape{
	"memberId": {Type: "string", Required: true, UUID: true},
	"role":     {Type: "string", Required: true, Enum: roleEnum},
}

func (s *Service) UpdateMemberRole(ctx context.Context, session Session, worldID string, body map[string]any) (map[string]any, error) {
	values, err := ValidateMap(body, memberRoleShape)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleAdmin); err != nil {
		return nil, err
	}

	memberID := values["memberId"].(string)
	newRole := values["role"].(string)

	if err := s.guardSoleOwner(ctx, worldID, memberID, newRole); err != nil {
		return nil, err
	}

	if err := s.store.UpdateMemberRole(ctx, worldID, memberID, newRole); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Member not found")
		}
		return nil, err
	}
	s.logActivity(session.UserID, session.UserName, worldID, "member.role_updated", "member", memberID, []string{"role"})
	return map[string]any{"userId": memberID, "role": newRole}, nil
}

func (s *Service) RemoveMember(ctx context.Context, session Session, worldID, memberID string) error {
	if !util.IsUUID(memberID) {
		return errValidation([]Issue{{Field: "memberId", Message: "must be a valid id"}})
	}
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleAdmin); err != nil {
		return err
	}
	if err := s.guardSoleOwner(ctx, worldID, memberID, ""); err != nil {
		return err
	}
	if err := s.store.RemoveMember(ctx, worldID, memberID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Member not found")
		}
		return err
	}
	s.logActivity(session.UserID, session.UserName, worldID, "member.removed", "member", memberID, nil)
	return nil
}

// guardSoleOwner rejects demoting or removing the last owner of a world.
// newRole is empty for removal.
func (s *Service) guardSoleOwner(ctx context.Context, worldID, memberID, newRole string) error {
	role, err := s.store.GetMemberRole(ctx, worldID, memberID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Member not found")
		}
		return err
	}
	if role != string(rbac.RoleOwner) || newRole == string(rbac.RoleOwner) {
		return nil
	}
	owners, err := s.store.CountOwners(ctx, worldID)
	if err != nil {
		return err
	}
	if owners <= 1 {
		return domainError(http.StatusForbidden, "CONFLICTING", "Cannot remove or demote the world's sole owner", nil)
	}
	return nil
}

// ── Invites ──

var inviteCreateShape = Shape{
	"email": {Type: "string", Required: true, MinLen: 3, MaxLen: 320},
	"role":  {Type: "string", Required: true, Enum: []string{"viewer", "editor", "admin"}},
}

func (s *Service) CreateInvite(ctx context.Context, session Session, worldID string, body map[string]any) (map[string]any, error) {
	values, err := ValidateMap(body, inviteCreateShape)
	if err != nil {
		return nil, err
	}
	world, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleAdmin)
	if err != nil {
		return nil, err
	}

	token := util.NewToken("inv")
	invite := store.WorldInvite{
		ID:        util.NewID(),
		WorldID:   worldID,
		Email:     values["email"].(string),
		Role:      values["role"].(string),
		TokenHash: auth.HashToken(token),
		InvitedBy: session.UserID,
		ExpiresAt: time.Now().Add(inviteTTL),
	}
	if err := s.store.InsertInvite(ctx, invite); err != nil {
		return nil, err
	}

	inviteURL := s.cfg.PostLoginURL + "?invite=" + token
	if s.SMTPConfigured() {
		go func() {
			if err := s.email.SendWorldInviteEmail(invite.Email, session.UserName, world.Name, invite.Role, inviteURL); err != nil {
				log.Printf("invite: email to %s failed: %v", invite.Email, err)
			}
		}()
	}

	s.logActivity(session.UserID, session.UserName, worldID, "invite.created", "invite", invite.ID, nil)

	payload := map[string]any{
		"inviteId":  invite.ID,
		"email":     invite.Email,
		"role":      invite.Role,
		"expiresAt": invite.ExpiresAt,
	}
	// Dev bypass: expose the raw token when email delivery is not configured
	if !s.SMTPConfigured() {
		payload["devInviteToken"] = token
	}
	return payload, nil
}

func (s *Service) RevokeInvite(ctx context.Context, session Session, worldID, inviteID string) error {
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleAdmin); err != nil {
		return err
	}
	if err := s.store.DeleteInvite(ctx, worldID, inviteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Invite not found")
		}
		return err
	}
	s.logActivity(session.UserID, session.UserName, worldID, "invite.revoked", "invite", inviteID, nil)
	return nil
}

// AcceptInvite redeems an invite token for the calling user. The store-side
// accept_world_invite function enforces expiry and single use; a rejected
// token never creates a membership.
func (s *Service) AcceptInvite(ctx context.Context, session Session, token string) (map[string]any, error) {
	if token == "" {
		return nil, errValidation([]Issue{{Field: "token", Message: "is required"}})
	}
	result, err := s.store.AcceptInvite(ctx, auth.HashToken(token), session.UserID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil || !result.Accepted {
		return nil, domainError(http.StatusBadRequest, "INVITE_REJECTED", "Invite is invalid, expired, or already used",
			map[string]any{"ok": false, "accepted": false})
	}
	s.logActivity(session.UserID, session.UserName, result.WorldID, "invite.accepted", "member", session.UserID, nil)
	return map[string]any{
		"ok":       true,
		"accepted": true,
		"worldId":  result.WorldID,
		"role":     result.Role,
	}, nil
}

func worldPayload(world store.World) map[string]any {
	return map[string]any{
		"id":          world.ID,
		"name":        world.Name,
		"description": world.Description,
		"ownerId":     world.OwnerID,
		"isPublic":    world.IsPublic,
		"isArchived":  world.IsArchived,
		"createdAt":   world.CreatedAt,
		"updatedAt":   world.UpdatedAt,
	}
}
