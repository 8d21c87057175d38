package schema

import (
	"testing"

	"worldloom/api/internal/store"
)

func characterFields() []store.TemplateField {
	return []store.TemplateField{
		{Name: "age", Type: "number"},
		{Name: "bio", Type: "longtext", MaxLength: 100},
		{Name: "name", Type: "text", Required: true},
		{Name: "alive", Type: "boolean"},
		{Name: "alignment", Type: "select", Options: []string{"good", "neutral", "evil"}},
		{Name: "aliases", Type: "tags"},
	}
}

func TestValidateAccepts(t *testing.T) {
	v, err := Compile(characterFields())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	issues := v.Validate(map[string]any{
		"name":      "Mira",
		"age":       float64(30),
		"alive":     true,
		"alignment": "good",
		"aliases":   []any{"the swift"},
	})
	if issues != nil {
		t.Errorf("expected valid, got %v", issues)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	v, err := Compile(characterFields())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	issues := v.Validate(map[string]any{"age": float64(3)})
	if len(issues) == 0 {
		t.Fatal("expected issue for missing required field")
	}
}

func TestValidateWrongTypeAndEnum(t *testing.T) {
	v, err := Compile(characterFields())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	issues := v.Validate(map[string]any{
		"name":      "Mira",
		"age":       "thirty",
		"alignment": "chaotic",
	})
	if len(issues) < 2 {
		t.Errorf("expected issues for age and alignment, got %v", issues)
	}
	fields := map[string]bool{}
	for _, issue := range issues {
		fields[issue.Field] = true
	}
	if !fields["age"] || !fields["alignment"] {
		t.Errorf("issues missing expected fields: %v", issues)
	}
}

func TestValidateRejectsUnknownField(t *testing.T) {
	v, err := Compile(characterFields())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	issues := v.Validate(map[string]any{"name": "Mira", "height": float64(170)})
	if len(issues) == 0 {
		t.Error("expected issue for field outside the template schema")
	}
}

func TestCompileRejectsBadDefinitions(t *testing.T) {
	if _, err := Compile([]store.TemplateField{{Name: "x", Type: "geometry"}}); err == nil {
		t.Error("expected error for unknown field type")
	}
	if _, err := Compile([]store.TemplateField{{Name: "pick", Type: "select"}}); err == nil {
		t.Error("expected error for select with no options")
	}
	if _, err := Compile([]store.TemplateField{{Type: "text"}}); err == nil {
		t.Error("expected error for empty field name")
	}
}
