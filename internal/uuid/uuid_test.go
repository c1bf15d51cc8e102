package uuid

import "testing"

func TestNewProducesValidV4(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("generated ID %q is not a valid UUID v4", id)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %q", id)
		}
		seen[id] = true
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"F47AC10B-58CC-4372-A567-0E02B2C3D479", true},
		{"f47ac10b-58cc-1372-a567-0e02b2c3d479", false}, // v1
		{"f47ac10b-58cc-4372-c567-0e02b2c3d479", false}, // bad variant
		{"not-a-uuid", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValid(tt.in); got != tt.want {
			t.Errorf("IsValid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("expected generated ID to validate, got %v", err)
	}
	if err := Validate("bogus"); err == nil {
		t.Error("expected error for invalid ID")
	}
}
