package storage

import (
	"strings"
	"testing"
)

func TestValidateImage(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		size        int64
		wantErr     bool
	}{
		{"png ok", "image/png", 1024, false},
		{"jpeg ok", "image/jpeg", MaxImageSize, false},
		{"webp ok", "image/webp", 500, false},
		{"gif rejected", "image/gif", 1024, true},
		{"svg rejected", "image/svg+xml", 1024, true},
		{"oversize rejected", "image/png", MaxImageSize + 1, true},
		{"zero size rejected", "image/png", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateImage(tt.contentType, tt.size)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateImage(%s, %d) error = %v, wantErr %v", tt.contentType, tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestMapImagePath(t *testing.T) {
	p := MapImagePath("w1", ".png")
	if !strings.HasPrefix(p, "worlds/w1/maps/") || !strings.HasSuffix(p, ".png") {
		t.Errorf("unexpected path %q", p)
	}
	if p == MapImagePath("w1", ".png") {
		t.Error("paths must be unique per upload")
	}
}
