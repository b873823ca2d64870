package filesystem

import "testing"

func TestIsNoise(t *testing.T) {
	tests := []struct {
		name  string
		noise bool
	}{
		{".DS_Store", true},
		{"._photo.jpg", true},
		{".Spotlight-V100/", true},
		{"Icon\r", true},
		{"Thumbs.db", true},
		{"desktop.ini", true},
		{"photo.jpg", false},
		{".bashrc", false},
		{"DS_Store", false},
		{"Icon", false},
		{"_underscore", false},
	}
	for _, tt := range tests {
		if got := IsNoise(tt.name); got != tt.noise {
			t.Errorf("IsNoise(%q) = %v, want %v", tt.name, got, tt.noise)
		}
	}
}

func TestHasNoise(t *testing.T) {
	tests := []struct {
		key   string
		noise bool
	}{
		{"a/b/c.txt", false},
		{"a/.DS_Store", true},
		{".Trashes/501/file", true},
		{"photos/._img.png", true},
		{"photos/", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := HasNoise(tt.key); got != tt.noise {
			t.Errorf("HasNoise(%q) = %v, want %v", tt.key, got, tt.noise)
		}
	}
}
