package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"

	"worldloom/api/internal/rbac"
	"worldloom/api/internal/schema"
	"worldloom/api/internal/search"
	"worldloom/api/internal/store"
	"worldloom/api/internal/util"
)

// ── Folders ──

func (s *Service) ListFolders(ctx context.Context, worldID, userID string) ([]map[string]any, error) {
	if _, _, err := s.requireWorldRole(ctx, worldID, userID, rbac.RoleViewer); err != nil {
		return nil, err
	}
	folders, err := s.store.ListFolders(ctx, worldID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(folders))
	for _, folder := range folders {
		items = append(items, folderPayload(folder))
	}
	return items, nil
}

var folderCreateShape = Shape{
	"name":        {Type: "string", Required: true, MinLen: 1, MaxLen: 100},
	"kind":        {Type: "string", Required: true, Enum: []string{store.FolderKindEntities, store.FolderKindTemplates}},
	"color":       {Type: "string", MaxLen: 20},
	"description": {Type: "string", MaxLen: 1000},
}

func (s *Service) CreateFolder(ctx context.Context, session Session, worldID string, body map[string]any) (map[string]any, error) {
	values, err := ValidateMap(body, folderCreateShape)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleEditor); err != nil {
		return nil, err
	}

	folder := store.Folder{
		ID:      util.NewID(),
		WorldID: worldID,
		Name:    values["name"].(string),
		Kind:    values["kind"].(string),
	}
	if v, ok := values["color"].(string); ok {
		folder.Color = v
	}
	if v, ok := values["description"].(string); ok {
		folder.Description = v
	}
	if err := s.store.InsertFolder(ctx, folder); err != nil {
		return nil, err
	}
	s.logActivity(session.UserID, session.UserName, worldID, "folder.created", "folder", folder.ID, nil)
	return folderPayload(folder), nil
}

var folderUpdateShape = Shape{
	"name":        {Type: "string", MinLen: 1, MaxLen: 100},
	"color":       {Type: "string", MaxLen: 20},
	"description": {Type: "string", MaxLen: 1000},
}

func (s *Service) UpdateFolder(ctx context.Context, session Session, worldID, folderID string, body map[string]any) (map[string]any, error) {
	values, err := ValidateMap(body, folderUpdateShape)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleEditor); err != nil {
		return nil, err
	}
	folder, err := s.store.GetFolder(ctx, worldID, folderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Folder not found")
		}
		return nil, err
	}
	if v, ok := values["name"].(string); ok {
		folder.Name = v
	}
	if v, ok := values["color"].(string); ok {
		folder.Color = v
	}
	if v, ok := values["description"].(string); ok {
		folder.Description = v
	}
	if err := s.store.UpdateFolder(ctx, worldID, folderID, folder.Name, folder.Color, folder.Description); err != nil {
		return nil, err
	}
	s.logActivity(session.UserID, session.UserName, worldID, "folder.updated", "folder", folderID, nil)
	return folderPayload(folder), nil
}

func (s *Service) DeleteFolder(ctx context.Context, session Session, worldID, folderID string) error {
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleEditor); err != nil {
		return err
	}
	if err := s.store.DeleteFolder(ctx, worldID, folderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Folder not found")
		}
		return err
	}
	s.logActivity(session.UserID, session.UserName, worldID, "folder.deleted", "folder", folderID, nil)
	return nil
}

// ── Templates ──

func (s *Service) ListSystemTemplates(ctx context.Context) ([]map[string]any, error) {
	templates, err := s.store.ListSystemTemplates(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(templates))
	for _, tpl := range templates {
		items = append(items, templatePayload(tpl))
	}
	return items, nil
}

func (s *Service) ListWorldTemplates(ctx context.Context, worldID, userID string) ([]map[string]any, error) {
	if _, _, err := s.requireWorldRole(ctx, worldID, userID, rbac.RoleViewer); err != nil {
		return nil, err
	}
	templates, err := s.store.ListWorldTemplates(ctx, worldID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(templates))
	for _, tpl := range templates {
		items = append(items, templatePayload(tpl))
	}
	return items, nil
}

var templateCreateShape = Shape{
	"name":     {Type: "string", Required: true, MinLen: 1, MaxLen: 120},
	"category": {Type: "string", MaxLen: 60},
	"icon":     {Type: "string", MaxLen: 60},
	"folderId": {Type: "string", UUID: true},
}

func (s *Service) CreateTemplate(ctx context.Context, session Session, worldID string, body map[string]any) (map[string]any, error) {
	values, err := ValidateMap(body, templateCreateShape)
	if err != nil {
		return nil, err
	}
	fields, err := decodeTemplateFields(body["fields"])
	if err != nil {
		return nil, err
	}
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleEditor); err != nil {
		return nil, err
	}

	worldRef := worldID
	tpl := store.Template{
		ID:      util.NewID(),
		WorldID: &worldRef,
		Name:    values["name"].(string),
		Fields:  fields,
	}
	if v, ok := values["category"].(string); ok {
		tpl.Category = v
	}
	if v, ok := values["icon"].(string); ok {
		tpl.Icon = v
	}
	if v, ok := values["folderId"].(string); ok {
		if _, err := s.store.GetFolder(ctx, worldID, v); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, errNotFound("Folder not found")
			}
			return nil, err
		}
		tpl.FolderID = &v
	}
	if err := s.store.InsertTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	s.logActivity(session.UserID, session.UserName, worldID, "template.created", "template", tpl.ID, nil)
	return templatePayload(tpl), nil
}

var templateUpdateShape = Shape{
	"name":     {Type: "string", MinLen: 1, MaxLen: 120},
	"category": {Type: "string", MaxLen: 60},
	"icon":     {Type: "string", MaxLen: 60},
}

func (s *Service) UpdateTemplate(ctx context.Context, session Session, worldID, templateID string, body map[string]any) (map[string]any, error) {
	values, err := ValidateMap(body, templateUpdateShape)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleEditor); err != nil {
		return nil, err
	}

	tpl, err := s.fetchWorldTemplate(ctx, worldID, templateID)
	if err != nil {
		return nil, err
	}
	if tpl.IsSystem {
		return nil, errForbidden("System templates are read-only")
	}

	if v, ok := values["name"].(string); ok {
		tpl.Name = v
	}
	if v, ok := values["category"].(string); ok {
		tpl.Category = v
	}
	if v, ok := values["icon"].(string); ok {
		tpl.Icon = v
	}
	if raw, ok := body["fields"]; ok {
		fields, err := decodeTemplateFields(raw)
		if err != nil {
			return nil, err
		}
		tpl.Fields = fields
	}
	if err := s.store.UpdateTemplate(ctx, templateID, tpl.Name, tpl.Category, tpl.Icon, tpl.Fields); err != nil {
		return nil, err
	}
	s.logActivity(session.UserID, session.UserName, worldID, "template.updated", "template", templateID, nil)
	return templatePayload(tpl), nil
}

func (s *Service) DeleteTemplate(ctx context.Context, session Session, worldID, templateID string) error {
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleEditor); err != nil {
		return err
	}
	tpl, err := s.fetchWorldTemplate(ctx, worldID, templateID)
	if err != nil {
		return err
	}
	if tpl.IsSystem {
		return errForbidden("System templates are read-only")
	}
	if err := s.store.DeleteTemplate(ctx, worldID, templateID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Template not found")
		}
		return err
	}
	s.logActivity(session.UserID, session.UserName, worldID, "template.deleted", "template", templateID, nil)
	return nil
}

// fetchWorldTemplate resolves a template and confirms it belongs to the
// world (global system templates are not mutable through world routes).
func (s *Service) fetchWorldTemplate(ctx context.Context, worldID, templateID string) (store.Template, error) {
	tpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Template{}, errNotFound("Template not found")
		}
		return store.Template{}, err
	}
	if tpl.WorldID == nil {
		// Global system template addressed through a world route.
		return store.Template{}, errForbidden("System templates are read-only")
	}
	if *tpl.WorldID != worldID {
		return store.Template{}, errNotFound("Template not found")
	}
	return tpl, nil
}

func decodeTemplateFields(raw any) ([]store.TemplateField, error) {
	if raw == nil {
		return nil, nil
	}
	encoded, err := encodeJSON(raw)
	if err != nil {
		return nil, errValidation([]Issue{{Field: "fields", Message: "must be a list of field definitions"}})
	}
	var fields []store.TemplateField
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, errValidation([]Issue{{Field: "fields", Message: "must be a list of field definitions"}})
	}
	for _, field := range fields {
		if field.Name == "" || field.Type == "" {
			return nil, errValidation([]Issue{{Field: "fields", Message: "every field needs a name and a type"}})
		}
	}
	return fields, nil
}

// ── Entities ──

func (s *Service) ListEntities(ctx context.Context, worldID, userID, folderID string) ([]map[string]any, error) {
	if _, _, err := s.requireWorldRole(ctx, worldID, userID, rbac.RoleViewer); err != nil {
		return nil, err
	}
	entities, err := s.store.ListEntities(ctx, worldID, folderID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entities))
	for _, entity := range entities {
		items = append(items, entityPayload(entity))
	}
	return items, nil
}

func (s *Service) GetEntity(ctx context.Context, worldID, userID, entityID string) (map[string]any, error) {
	if _, _, err := s.requireWorldRole(ctx, worldID, userID, rbac.RoleViewer); err != nil {
		return nil, err
	}
	entity, err := s.store.GetEntity(ctx, worldID, entityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Entity not found")
		}
		return nil, err
	}
	return entityPayload(entity), nil
}

var entityShape = Shape{
	"name":       {Type: "string", Required: true, MinLen: 1, MaxLen: 200},
	"templateId": {Type: "string", UUID: true},
	"folderId":   {Type: "string", UUID: true},
	"tags":       {Type: "stringlist"},
}

func (s *Service) CreateEntity(ctx context.Context, session Session, worldID string, body map[string]any) (map[string]any, error) {
	values, err := ValidateMap(body, entityShape)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleEditor); err != nil {
		return nil, err
	}

	entity := store.Entity{
		ID:        util.NewID(),
		WorldID:   worldID,
		Name:      values["name"].(string),
		CreatedBy: session.UserID,
	}
	if v, ok := values["tags"].([]string); ok {
		entity.Tags = v
	}
	if v, ok := values["folderId"].(string); ok {
		if _, err := s.store.GetFolder(ctx, worldID, v); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, errNotFound("Folder not found")
			}
			return nil, err
		}
		entity.FolderID = &v
	}
	fields, err := s.validateEntityFields(ctx, worldID, values, body)
	if err != nil {
		return nil, err
	}
	entity.Fields = fields
	if v, ok := values["templateId"].(string); ok {
		entity.TemplateID = &v
	}

	if err := s.store.InsertEntity(ctx, entity); err != nil {
		return nil, err
	}
	s.indexEntity(entity)
	s.logActivity(session.UserID, session.UserName, worldID, "entity.created", "entity", entity.ID, nil)
	return entityPayload(entity), nil
}

func (s *Service) UpdateEntity(ctx context.Context, session Session, worldID, entityID string, body map[string]any) (map[string]any, error) {
	values, err := ValidateMap(body, entityShape)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleEditor); err != nil {
		return nil, err
	}
	entity, err := s.store.GetEntity(ctx, worldID, entityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Entity not found")
		}
		return nil, err
	}

	if v, ok := values["name"].(string); ok {
		entity.Name = v
	}
	if v, ok := values["tags"].([]string); ok {
		entity.Tags = v
	}
	if v, ok := values["folderId"].(string); ok {
		if _, err := s.store.GetFolder(ctx, worldID, v); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, errNotFound("Folder not found")
			}
			return nil, err
		}
		entity.FolderID = &v
	}
	if v, ok := values["templateId"].(string); ok {
		entity.TemplateID = &v
	}
	if _, ok := body["fields"]; ok {
		fields, err := s.validateEntityFieldsFor(ctx, worldID, entity.TemplateID, body)
		if err != nil {
			return nil, err
		}
		entity.Fields = fields
	}

	if err := s.store.UpdateEntity(ctx, entity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Entity not found")
		}
		return nil, err
	}
	s.indexEntity(entity)
	s.logActivity(session.UserID, session.UserName, worldID, "entity.updated", "entity", entityID, nil)
	return entityPayload(entity), nil
}

func (s *Service) DeleteEntity(ctx context.Context, session Session, worldID, entityID string) error {
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleEditor); err != nil {
		return err
	}
	if err := s.store.DeleteEntity(ctx, worldID, entityID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Entity not found")
		}
		return err
	}
	if s.search != nil {
		s.search.DeleteEntity(entityID)
	}
	s.logActivity(session.UserID, session.UserName, worldID, "entity.deleted", "entity", entityID, nil)
	return nil
}

// validateEntityFields checks the request's field values against the
// referenced template's schema, when a template is referenced.
func (s *Service) validateEntityFields(ctx context.Context, worldID string, values, body map[string]any) (map[string]any, error) {
	var templateID *string
	if v, ok := values["templateId"].(string); ok {
		templateID = &v
	}
	return s.validateEntityFieldsFor(ctx, worldID, templateID, body)
}

func (s *Service) validateEntityFieldsFor(ctx context.Context, worldID string, templateID *string, body map[string]any) (map[string]any, error) {
	fields, _ := body["fields"].(map[string]any)
	if templateID == nil {
		return fields, nil
	}
	tpl, err := s.store.GetTemplate(ctx, *templateID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Template not found")
		}
		return nil, err
	}
	// Entities may reference global system templates or this world's own,
	// never another world's.
	if tpl.WorldID != nil && *tpl.WorldID != worldID {
		return nil, errNotFound("Template not found")
	}
	validator, err := schema.Compile(tpl.Fields)
	if err != nil {
		return nil, err
	}
	if issues := validator.Validate(fields); issues != nil {
		mapped := make([]Issue, 0, len(issues))
		for _, issue := range issues {
			mapped = append(mapped, Issue{Field: issue.Field, Message: issue.Message})
		}
		return nil, errValidation(mapped)
	}
	return fields, nil
}

func (s *Service) indexEntity(entity store.Entity) {
	if s.search == nil {
		return
	}
	s.search.IndexEntity(search.RecordFromEntity(entity))
}

// ── Relationships ──

func (s *Service) ListRelationships(ctx context.Context, worldID, userID string) ([]map[string]any, error) {
	if _, _, err := s.requireWorldRole(ctx, worldID, userID, rbac.RoleViewer); err != nil {
		return nil, err
	}
	relationships, err := s.store.ListRelationships(ctx, worldID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(relationships))
	for _, rel := range relationships {
		items = append(items, relationshipPayload(rel))
	}
	return items, nil
}

var relationshipShape = Shape{
	"fromId":        {Type: "string", Required: true, UUID: true},
	"toId":          {Type: "string", Required: true, UUID: true},
	"type":          {Type: "string", Required: true, MinLen: 1, MaxLen: 50},
	"description":   {Type: "string", MaxLen: 1000},
	"strength":      {Type: "int", Bounded: true, Min: 0, Max: 10},
	"bidirectional": {Type: "bool"},
}

func (s *Service) CreateRelationship(ctx context.Context, session Session, worldID string, body map[string]any) (map[string]any, error) {
	values, err := ValidateMap(body, relationshipShape)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleEditor); err != nil {
		return nil, err
	}

	fromID := values["fromId"].(string)
	toID := values["toId"].(string)
	// Both endpoints must belong to this world.
	for _, entityID := range []string{fromID, toID} {
		if _, err := s.store.GetEntity(ctx, worldID, entityID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, errNotFound("Entity not found")
			}
			return nil, err
		}
	}

	rel := store.Relationship{
		ID:           util.NewID(),
		WorldID:      worldID,
		FromEntityID: fromID,
		ToEntityID:   toID,
		Type:         values["type"].(string),
	}
	if v, ok := values["description"].(string); ok {
		rel.Description = v
	}
	if v, ok := values["strength"].(int); ok {
		rel.Strength = v
	}
	if v, ok := values["bidirectional"].(bool); ok {
		rel.Bidirectional = v
	}
	if err := s.store.InsertRelationship(ctx, rel); err != nil {
		return nil, err
	}
	s.logActivity(session.UserID, session.UserName, worldID, "relationship.created", "relationship", rel.ID, nil)
	return relationshipPayload(rel), nil
}

func (s *Service) DeleteRelationship(ctx context.Context, session Session, worldID, relationshipID string) error {
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleEditor); err != nil {
		return err
	}
	if err := s.store.DeleteRelationship(ctx, worldID, relationshipID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Relationship not found")
		}
		return err
	}
	s.logActivity(session.UserID, session.UserName, worldID, "relationship.deleted", "relationship", relationshipID, nil)
	return nil
}

// ── Maps & markers ──

func (s *Service) ListMaps(ctx context.Context, worldID, userID string) ([]map[string]any, error) {
	if _, _, err := s.requireWorldRole(ctx, worldID, userID, rbac.RoleViewer); err != nil {
		return nil, err
	}
	maps, err := s.store.ListMaps(ctx, worldID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(maps))
	for _, m := range maps {
		items = append(items, mapPayload(m))
	}
	return items, nil
}

var mapCreateShape = Shape{
	"name":   {Type: "string", Required: true, MinLen: 1, MaxLen: 200},
	"width":  {Type: "int", Bounded: true, Min: 1, Max: 50000},
	"height": {Type: "int", Bounded: true, Min: 1, Max: 50000},
}

// CreateMap registers an uploaded image as a world map. The imagePath must
// come from a prior upload call.
func (s *Service) CreateMap(ctx context.Context, session Session, worldID string, body map[string]any) (map[string]any, error) {
	values, err := ValidateMap(body, mapCreateShape)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleEditor); err != nil {
		return nil, err
	}
	imagePath, _ := body["imagePath"].(string)

	m := store.WorldMap{
		ID:        util.NewID(),
		WorldID:   worldID,
		Name:      values["name"].(string),
		ImagePath: imagePath,
		CreatedBy: session.UserID,
	}
	if v, ok := values["width"].(int); ok {
		m.Width = v
	}
	if v, ok := values["height"].(int); ok {
		m.Height = v
	}
	if err := s.store.InsertMap(ctx, m); err != nil {
		return nil, err
	}
	s.logActivity(session.UserID, session.UserName, worldID, "map.created", "map", m.ID, nil)
	return mapPayload(m), nil
}

// UploadMapImage stores a map base image after the caller has been
// authorized and rate limited at the HTTP layer.
func (s *Service) UploadMapImage(ctx context.Context, session Session, worldID, contentType string, size int64, reader io.Reader) (map[string]any, error) {
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleEditor); err != nil {
		return nil, err
	}
	if s.storage == nil {
		return nil, domainError(503, "STORAGE_UNAVAILABLE", "Object storage is not configured", nil)
	}
	objectPath, err := s.storage.UploadMapImage(ctx, worldID, contentType, size, reader)
	if err != nil {
		return nil, errValidation([]Issue{{Field: "file", Message: err.Error()}})
	}
	s.logActivity(session.UserID, session.UserName, worldID, "map.image_uploaded", "map", objectPath, nil)
	return map[string]any{"imagePath": objectPath}, nil
}

func (s *Service) DeleteMap(ctx context.Context, session Session, worldID, mapID string) error {
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleEditor); err != nil {
		return err
	}
	m, err := s.store.GetMap(ctx, worldID, mapID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Map not found")
		}
		return err
	}
	if err := s.store.DeleteMap(ctx, worldID, mapID); err != nil {
		return err
	}
	if s.storage != nil && m.ImagePath != "" {
		// Best effort: the map row is gone either way.
		if err := s.storage.RemoveObject(ctx, m.ImagePath); err != nil {
			log.Printf("map image cleanup for %s: %v", mapID, err)
		}
	}
	s.logActivity(session.UserID, session.UserName, worldID, "map.deleted", "map", mapID, nil)
	return nil
}

func (s *Service) ListMarkers(ctx context.Context, worldID, userID, mapID string) ([]map[string]any, error) {
	if _, _, err := s.requireWorldRole(ctx, worldID, userID, rbac.RoleViewer); err != nil {
		return nil, err
	}
	if _, err := s.store.GetMap(ctx, worldID, mapID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Map not found")
		}
		return nil, err
	}
	markers, err := s.store.ListMarkers(ctx, mapID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(markers))
	for _, marker := range markers {
		items = append(items, markerPayload(marker))
	}
	return items, nil
}

var markerShape = Shape{
	"entityId": {Type: "string", UUID: true},
	"label":    {Type: "string", MaxLen: 200},
	"color":    {Type: "string", MaxLen: 20},
}

func (s *Service) CreateMarker(ctx context.Context, session Session, worldID, mapID string, body map[string]any) (map[string]any, error) {
	values, err := ValidateMap(body, markerShape)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleEditor); err != nil {
		return nil, err
	}
	if _, err := s.store.GetMap(ctx, worldID, mapID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Map not found")
		}
		return nil, err
	}

	x, xok := body["x"].(float64)
	y, yok := body["y"].(float64)
	if !xok || !yok {
		return nil, errValidation([]Issue{{Field: "x", Message: "x and y coordinates are required numbers"}})
	}

	marker := store.MapMarker{
		ID:    util.NewID(),
		MapID: mapID,
		X:     x,
		Y:     y,
	}
	if v, ok := values["entityId"].(string); ok {
		if _, err := s.store.GetEntity(ctx, worldID, v); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, errNotFound("Entity not found")
			}
			return nil, err
		}
		marker.EntityID = &v
	}
	if v, ok := values["label"].(string); ok {
		marker.Label = v
	}
	if v, ok := values["color"].(string); ok {
		marker.Color = v
	}
	if err := s.store.InsertMarker(ctx, marker); err != nil {
		return nil, err
	}
	s.logActivity(session.UserID, session.UserName, worldID, "marker.created", "marker", marker.ID, nil)
	return markerPayload(marker), nil
}

func (s *Service) DeleteMarker(ctx context.Context, session Session, worldID, mapID, markerID string) error {
	if _, _, err := s.requireWorldRole(ctx, worldID, session.UserID, rbac.RoleEditor); err != nil {
		return err
	}
	if _, err := s.store.GetMap(ctx, worldID, mapID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Map not found")
		}
		return err
	}
	if err := s.store.DeleteMarker(ctx, mapID, markerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Marker not found")
		}
		return err
	}
	s.logActivity(session.UserID, session.UserName, worldID, "marker.deleted", "marker", markerID, nil)
	return nil
}

// ── Search ──

func (s *Service) SearchEntities(ctx context.Context, worldID, userID, query string, limit, offset int) (any, error) {
	if _, _, err := s.requireWorldRole(ctx, worldID, userID, rbac.RoleViewer); err != nil {
		return nil, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query}, nil
	}
	return s.search.Search(search.Query{Text: query, WorldID: worldID, Limit: limit, Offset: offset}), nil
}

// ── Payload helpers ──

func folderPayload(folder store.Folder) map[string]any {
	return map[string]any{
		"id":          folder.ID,
		"worldId":     folder.WorldID,
		"name":        folder.Name,
		"kind":        folder.Kind,
		"color":       folder.Color,
		"description": folder.Description,
		"createdAt":   folder.CreatedAt,
	}
}

func templatePayload(tpl store.Template) map[string]any {
	payload := map[string]any{
		"id":       tpl.ID,
		"name":     tpl.Name,
		"category": tpl.Category,
		"icon":     tpl.Icon,
		"fields":   tpl.Fields,
		"isSystem": tpl.IsSystem,
	}
	if tpl.WorldID != nil {
		payload["worldId"] = *tpl.WorldID
	}
	if tpl.FolderID != nil {
		payload["folderId"] = *tpl.FolderID
	}
	return payload
}

func entityPayload(entity store.Entity) map[string]any {
	payload := map[string]any{
		"id":        entity.ID,
		"worldId":   entity.WorldID,
		"name":      entity.Name,
		"fields":    entity.Fields,
		"tags":      entity.Tags,
		"coverPath": entity.CoverPath,
		"createdAt": entity.CreatedAt,
		"updatedAt": entity.UpdatedAt,
	}
	if entity.TemplateID != nil {
		payload["templateId"] = *entity.TemplateID
	}
	if entity.FolderID != nil {
		payload["folderId"] = *entity.FolderID
	}
	return payload
}

func relationshipPayload(rel store.Relationship) map[string]any {
	return map[string]any{
		"id":            rel.ID,
		"worldId":       rel.WorldID,
		"fromId":        rel.FromEntityID,
		"toId":          rel.ToEntityID,
		"type":          rel.Type,
		"description":   rel.Description,
		"strength":      rel.Strength,
		"bidirectional": rel.Bidirectional,
		"createdAt":     rel.CreatedAt,
	}
}

func mapPayload(m store.WorldMap) map[string]any {
	return map[string]any{
		"id":        m.ID,
		"worldId":   m.WorldID,
		"name":      m.Name,
		"imagePath": m.ImagePath,
		"width":     m.Width,
		"height":    m.Height,
		"createdAt": m.CreatedAt,
	}
}

func markerPayload(marker store.MapMarker) map[string]any {
	payload := map[string]any{
		"id":    marker.ID,
		"mapId": marker.MapID,
		"x":     marker.X,
		"y":     marker.Y,
		"label": marker.Label,
		"color": marker.Color,
	}
	if marker.EntityID != nil {
		payload["entityId"] = *marker.EntityID
	}
	return payload
}
