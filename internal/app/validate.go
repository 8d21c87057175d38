package app

import (
	"fmt"
	"math"
	"net/url"
	"unicode/utf8"

	"worldloom/api/internal/util"
)

// Issue is one field-level validation failure.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Rule declares the constraints for one input field.
type Rule struct {
	Type     string // string, bool, int, stringlist, stringmap
	Required bool
	MinLen   int
	MaxLen   int
	Min      int
	Max      int
	Bounded  bool // apply Min/Max
	Enum     []string
	URL      bool // non-empty values must parse as http(s) URLs
	UUID     bool
}

// Shape maps field names to rules. Fields absent from the shape are ignored.
type Shape map[string]Rule

// ValidateMap checks body against shape and returns the normalized values,
// or a 422 DomainError listing every violation.
func ValidateMap(body map[string]any, shape Shape) (map[string]any, error) {
	values := make(map[string]any, len(shape))
	var issues []Issue

	for field, rule := range shape {
		raw, present := body[field]
		if !present || raw == nil {
			if rule.Required {
				issues = append(issues, Issue{Field: field, Message: "is required"})
			}
			continue
		}

		value, issue := checkField(field, raw, rule)
		if issue != nil {
			issues = append(issues, *issue)
			continue
		}
		values[field] = value
	}

	if len(issues) > 0 {
		return nil, errValidation(issues)
	}
	return values, nil
}

func checkField(field string, raw any, rule Rule) (any, *Issue) {
	switch rule.Type {
	case "string":
		s, ok := raw.(string)
		if !ok {
			return nil, &Issue{Field: field, Message: "must be a string"}
		}
		length := utf8.RuneCountInString(s)
		if rule.Required && length < max(rule.MinLen, 1) {
			return nil, &Issue{Field: field, Message: "must not be empty"}
		}
		if rule.MinLen > 0 && length > 0 && length < rule.MinLen {
			return nil, &Issue{Field: field, Message: fmt.Sprintf("must be at least %d characters", rule.MinLen)}
		}
		if rule.MaxLen > 0 && length > rule.MaxLen {
			return nil, &Issue{Field: field, Message: fmt.Sprintf("must be at most %d characters", rule.MaxLen)}
		}
		if len(rule.Enum) > 0 && !contains(rule.Enum, s) {
			return nil, &Issue{Field: field, Message: "is not one of the allowed values"}
		}
		if rule.URL && s != "" {
			parsed, err := url.Parse(s)
			if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
				return nil, &Issue{Field: field, Message: "must be a valid URL"}
			}
		}
		if rule.UUID && !util.IsUUID(s) {
			return nil, &Issue{Field: field, Message: "must be a valid id"}
		}
		return s, nil

	case "bool":
		b, ok := raw.(bool)
		if !ok {
			return nil, &Issue{Field: field, Message: "must be a boolean"}
		}
		return b, nil

	case "int":
		f, ok := raw.(float64)
		if !ok || f != math.Trunc(f) {
			return nil, &Issue{Field: field, Message: "must be an integer"}
		}
		n := int(f)
		if rule.Bounded && (n < rule.Min || n > rule.Max) {
			return nil, &Issue{Field: field, Message: fmt.Sprintf("must be between %d and %d", rule.Min, rule.Max)}
		}
		return n, nil

	case "stringlist":
		items, ok := raw.([]any)
		if !ok {
			return nil, &Issue{Field: field, Message: "must be a list of strings"}
		}
		list := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, &Issue{Field: field, Message: "must be a list of strings"}
			}
			list = append(list, s)
		}
		return list, nil

	case "stringmap":
		entries, ok := raw.(map[string]any)
		if !ok {
			return nil, &Issue{Field: field, Message: "must be a map of strings"}
		}
		m := make(map[string]string, len(entries))
		for key, item := range entries {
			s, ok := item.(string)
			if !ok {
				return nil, &Issue{Field: field, Message: "must be a map of strings"}
			}
			m[key] = s
		}
		return m, nil
	}
	return raw, nil
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
