package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWithinDirectory(t *testing.T) {
	tmp := t.TempDir()
	safe := filepath.Join(tmp, "config")
	outside := filepath.Join(tmp, "outside")
	for _, d := range []string{safe, outside} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink(outside, filepath.Join(safe, "link")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"file in directory", filepath.Join(safe, "tracking.json"), false},
		{"nested missing path", filepath.Join(safe, "a", "b", "tracking.yaml"), false},
		{"directory itself", safe, false},
		{"dot dot", filepath.Join(safe, "..", "tracking.json"), true},
		{"sibling", filepath.Join(outside, "tracking.json"), true},
		{"through symlink", filepath.Join(safe, "link", "tracking.json"), true},
		{"relative escape", "../../etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WithinDirectory(tt.path, safe)
			if (err != nil) != tt.wantErr {
				t.Fatalf("WithinDirectory(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrOutsideDirectory) {
				t.Errorf("error %v does not wrap ErrOutsideDirectory", err)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "unknown"},
		{"3f2a-91c0", "3f2a-91c0"},
		{"session 1/../x", "session_1_.._x"},
		{"..hidden..", "hidden"},
		{"///", "unknown"},
		{"rat #7: day 2", "rat_7_day_2"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
