package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// ── Folders ──

func (s *PostgresStore) ListFolders(ctx context.Context, worldID string) ([]Folder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, world_id, name, kind, color, description, created_at, updated_at
		FROM folders WHERE world_id=$1
		ORDER BY created_at ASC
	`, worldID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	items := make([]Folder, 0)
	for rows.Next() {
		var item Folder
		if err := rows.Scan(&item.ID, &item.WorldID, &item.Name, &item.Kind, &item.Color, &item.Description, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folders: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetFolder(ctx context.Context, worldID, folderID string) (Folder, error) {
	var item Folder
	err := s.db.QueryRowContext(ctx, `
		SELECT id, world_id, name, kind, color, description, created_at, updated_at
		FROM folders WHERE id=$1 AND world_id=$2
	`, folderID, worldID).Scan(&item.ID, &item.WorldID, &item.Name, &item.Kind, &item.Color, &item.Description, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Folder{}, err
	}
	return item, nil
}

// GetCoreFolder finds the world's seeded template folder by its
// well-known name and kind.
func (s *PostgresStore) GetCoreFolder(ctx context.Context, worldID string) (Folder, error) {
	var item Folder
	err := s.db.QueryRowContext(ctx, `
		SELECT id, world_id, name, kind, color, description, created_at, updated_at
		FROM folders WHERE world_id=$1 AND name=$2 AND kind=$3
	`, worldID, CoreFolderName, FolderKindTemplates).Scan(&item.ID, &item.WorldID, &item.Name, &item.Kind, &item.Color, &item.Description, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Folder{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertFolder(ctx context.Context, item Folder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, world_id, name, kind, color, description)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.WorldID, item.Name, item.Kind, item.Color, item.Description)
	if err != nil {
		return fmt.Errorf("insert folder: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateFolder(ctx context.Context, worldID, folderID, name, color, description string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE folders SET name=$3, color=$4, description=$5, updated_at=NOW()
		WHERE id=$1 AND world_id=$2
	`, folderID, worldID, name, color, description)
	if err != nil {
		return fmt.Errorf("update folder: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update folder rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteFolder(ctx context.Context, worldID, folderID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM folders WHERE id=$1 AND world_id=$2
	`, folderID, worldID)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete folder rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ── Templates ──

const templateColumns = `id, world_id, folder_id, name, category, icon, fields, is_system, created_at, updated_at`

func scanTemplate(scanner interface{ Scan(...any) error }) (Template, error) {
	var item Template
	var fields []byte
	if err := scanner.Scan(&item.ID, &item.WorldID, &item.FolderID, &item.Name, &item.Category, &item.Icon, &fields, &item.IsSystem, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Template{}, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &item.Fields); err != nil {
			return Template{}, fmt.Errorf("decode template fields: %w", err)
		}
	}
	return item, nil
}

func (s *PostgresStore) ListSystemTemplates(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+templateColumns+` FROM templates
		WHERE is_system=TRUE AND world_id IS NULL
		ORDER BY category, name
	`)
	if err != nil {
		return nil, fmt.Errorf("list system templates: %w", err)
	}
	defer rows.Close()
	return collectTemplates(rows)
}

func (s *PostgresStore) ListWorldTemplates(ctx context.Context, worldID string) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+templateColumns+` FROM templates
		WHERE world_id=$1
		ORDER BY category, name
	`, worldID)
	if err != nil {
		return nil, fmt.Errorf("list world templates: %w", err)
	}
	defer rows.Close()
	return collectTemplates(rows)
}

// ListTemplateNamesInFolder returns existing template names in a folder;
// the seeding step uses this as its idempotency check.
func (s *PostgresStore) ListTemplateNamesInFolder(ctx context.Context, worldID, folderID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM templates WHERE world_id=$1 AND folder_id=$2
	`, worldID, folderID)
	if err != nil {
		return nil, fmt.Errorf("list template names: %w", err)
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan template name: %w", err)
		}
		names[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate template names: %w", err)
	}
	return names, nil
}

func collectTemplates(rows *sql.Rows) ([]Template, error) {
	items := make([]Template, 0)
	for rows.Next() {
		item, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, templateID string) (Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+templateColumns+` FROM templates WHERE id=$1
	`, templateID)
	return scanTemplate(row)
}

func (s *PostgresStore) InsertTemplate(ctx context.Context, item Template) error {
	fields, err := json.Marshal(item.Fields)
	if err != nil {
		return fmt.Errorf("encode template fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (id, world_id, folder_id, name, category, icon, fields, is_system)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.WorldID, item.FolderID, item.Name, item.Category, item.Icon, fields, item.IsSystem)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTemplate(ctx context.Context, templateID, name, category, icon string, fields []TemplateField) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode template fields: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE templates SET name=$2, category=$3, icon=$4, fields=$5, updated_at=NOW()
		WHERE id=$1 AND is_system=FALSE
	`, templateID, name, category, icon, encoded)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update template rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteTemplate(ctx context.Context, worldID, templateID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM templates WHERE id=$1 AND world_id=$2 AND is_system=FALSE
	`, templateID, worldID)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete template rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ── Entities ──

const entityColumns = `id, world_id, template_id, folder_id, name, fields, tags, cover_path, created_by, created_at, updated_at`

func scanEntity(scanner interface{ Scan(...any) error }) (Entity, error) {
	var item Entity
	var fields, tags []byte
	if err := scanner.Scan(&item.ID, &item.WorldID, &item.TemplateID, &item.FolderID, &item.Name, &fields, &tags, &item.CoverPath, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Entity{}, err
	}
	item.Fields = map[string]any{}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &item.Fields); err != nil {
			return Entity{}, fmt.Errorf("decode entity fields: %w", err)
		}
	}
	item.Tags = []string{}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &item.Tags); err != nil {
			return Entity{}, fmt.Errorf("decode entity tags: %w", err)
		}
	}
	return item, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, worldID, folderID string) ([]Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE world_id=$1`
	args := []any{worldID}
	if folderID != "" {
		query += ` AND folder_id=$2`
		args = append(args, folderID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	items := make([]Entity, 0)
	for rows.Next() {
		item, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, worldID, entityID string) (Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities WHERE id=$1 AND world_id=$2
	`, entityID, worldID)
	return scanEntity(row)
}

func (s *PostgresStore) InsertEntity(ctx context.Context, item Entity) error {
	fields, err := json.Marshal(item.Fields)
	if err != nil {
		return fmt.Errorf("encode entity fields: %w", err)
	}
	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return fmt.Errorf("encode entity tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, world_id, template_id, folder_id, name, fields, tags, cover_path, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, item.ID, item.WorldID, item.TemplateID, item.FolderID, item.Name, fields, tags, item.CoverPath, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateEntity(ctx context.Context, item Entity) error {
	fields, err := json.Marshal(item.Fields)
	if err != nil {
		return fmt.Errorf("encode entity fields: %w", err)
	}
	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return fmt.Errorf("encode entity tags: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE entities SET name=$3, fields=$4, tags=$5, template_id=$6, folder_id=$7, cover_path=$8, updated_at=NOW()
		WHERE id=$1 AND world_id=$2
	`, item.ID, item.WorldID, item.Name, fields, tags, item.TemplateID, item.FolderID, item.CoverPath)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entity rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteEntity(ctx context.Context, worldID, entityID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM entities WHERE id=$1 AND world_id=$2
	`, entityID, worldID)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete entity rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SearchEntities is the Postgres fallback for entity search.
func (s *PostgresStore) SearchEntities(ctx context.Context, worldID, query string, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE world_id=$1 AND name ILIKE '%' || $2 || '%'
		ORDER BY updated_at DESC
		LIMIT $3
	`, worldID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	defer rows.Close()

	items := make([]Entity, 0)
	for rows.Next() {
		item, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return items, nil
}

// ── Relationships ──

func (s *PostgresStore) ListRelationships(ctx context.Context, worldID string) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, world_id, from_entity_id, to_entity_id, rel_type, description, strength, bidirectional, created_at
		FROM relationships WHERE world_id=$1
		ORDER BY created_at ASC
	`, worldID)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	items := make([]Relationship, 0)
	for rows.Next() {
		var item Relationship
		if err := rows.Scan(&item.ID, &item.WorldID, &item.FromEntityID, &item.ToEntityID, &item.Type, &item.Description, &item.Strength, &item.Bidirectional, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relationships: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertRelationship(ctx context.Context, item Relationship) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relationships (id, world_id, from_entity_id, to_entity_id, rel_type, description, strength, bidirectional)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.WorldID, item.FromEntityID, item.ToEntityID, item.Type, item.Description, item.Strength, item.Bidirectional)
	if err != nil {
		return fmt.Errorf("insert relationship: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRelationship(ctx context.Context, worldID, relationshipID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM relationships WHERE id=$1 AND world_id=$2
	`, relationshipID, worldID)
	if err != nil {
		return fmt.Errorf("delete relationship: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete relationship rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ── Maps & markers ──

func (s *PostgresStore) ListMaps(ctx context.Context, worldID string) ([]WorldMap, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, world_id, name, image_path, width, height, created_by, created_at
		FROM world_maps WHERE world_id=$1
		ORDER BY created_at ASC
	`, worldID)
	if err != nil {
		return nil, fmt.Errorf("list maps: %w", err)
	}
	defer rows.Close()

	items := make([]WorldMap, 0)
	for rows.Next() {
		var item WorldMap
		if err := rows.Scan(&item.ID, &item.WorldID, &item.Name, &item.ImagePath, &item.Width, &item.Height, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan map: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate maps: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMap(ctx context.Context, worldID, mapID string) (WorldMap, error) {
	var item WorldMap
	err := s.db.QueryRowContext(ctx, `
		SELECT id, world_id, name, image_path, width, height, created_by, created_at
		FROM world_maps WHERE id=$1 AND world_id=$2
	`, mapID, worldID).Scan(&item.ID, &item.WorldID, &item.Name, &item.ImagePath, &item.Width, &item.Height, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return WorldMap{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertMap(ctx context.Context, item WorldMap) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO world_maps (id, world_id, name, image_path, width, height, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.WorldID, item.Name, item.ImagePath, item.Width, item.Height, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert map: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMap(ctx context.Context, worldID, mapID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM world_maps WHERE id=$1 AND world_id=$2
	`, mapID, worldID)
	if err != nil {
		return fmt.Errorf("delete map: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete map rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListMarkers(ctx context.Context, mapID string) ([]MapMarker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, map_id, entity_id, x, y, label, color, created_at
		FROM map_markers WHERE map_id=$1
		ORDER BY created_at ASC
	`, mapID)
	if err != nil {
		return nil, fmt.Errorf("list markers: %w", err)
	}
	defer rows.Close()

	items := make([]MapMarker, 0)
	for rows.Next() {
		var item MapMarker
		if err := rows.Scan(&item.ID, &item.MapID, &item.EntityID, &item.X, &item.Y, &item.Label, &item.Color, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate markers: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertMarker(ctx context.Context, item MapMarker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO map_markers (id, map_id, entity_id, x, y, label, color)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.MapID, item.EntityID, item.X, item.Y, item.Label, item.Color)
	if err != nil {
		return fmt.Errorf("insert marker: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMarker(ctx context.Context, mapID, markerID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM map_markers WHERE id=$1 AND map_id=$2
	`, markerID, mapID)
	if err != nil {
		return fmt.Errorf("delete marker: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete marker rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ── Activity ──

func (s *PostgresStore) InsertActivity(ctx context.Context, entry ActivityEntry) error {
	fields, err := json.Marshal(entry.Fields)
	if err != nil {
		return fmt.Errorf("encode activity fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_log (world_id, actor_id, actor_name, action, target_type, target_id, fields)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.WorldID, entry.ActorID, entry.ActorName, entry.Action, entry.TargetType, entry.TargetID, fields)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, worldID string, limit int) ([]ActivityEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, world_id, actor_id, actor_name, action, target_type, target_id, fields, created_at
		FROM activity_log WHERE world_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, worldID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	items := make([]ActivityEntry, 0)
	for rows.Next() {
		var item ActivityEntry
		var fields []byte
		if err := rows.Scan(&item.ID, &item.WorldID, &item.ActorID, &item.ActorName, &item.Action, &item.TargetType, &item.TargetID, &fields, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &item.Fields); err != nil {
				return nil, fmt.Errorf("decode activity fields: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return items, nil
}
