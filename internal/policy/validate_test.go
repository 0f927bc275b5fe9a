package policy

import "testing"

func TestValidateName(t *testing.T) {
	valid := []string{"ops", "  Field Team ", "dev_2", "über-crew"}
	for _, name := range valid {
		if _, err := ValidateName(name); err != nil {
			t.Fatalf("ValidateName(%q) error = %v", name, err)
		}
	}
	invalid := []string{"", "   ", "a<b>", "this-name-is-far-too-long-to-be-a-tag-name"}
	for _, name := range invalid {
		if _, err := ValidateName(name); err == nil {
			t.Fatalf("ValidateName(%q) error = nil, want error", name)
		}
	}
	got, _ := ValidateName("  Field Team ")
	if got != "Field Team" {
		t.Fatalf("ValidateName() = %q, want trimmed name", got)
	}
}

func TestValidateUsername(t *testing.T) {
	valid := []string{"ann", " sam.o-k_2 ", "zoë", "abcdefghijklmnopqrst"}
	for _, name := range valid {
		if _, err := ValidateUsername(name); err != nil {
			t.Fatalf("ValidateUsername(%q) error = %v", name, err)
		}
	}
	invalid := []string{"", "al", "two words", "semi;colon", "abcdefghijklmnopqrstu"}
	for _, name := range invalid {
		if _, err := ValidateUsername(name); err == nil {
			t.Fatalf("ValidateUsername(%q) error = nil, want error", name)
		}
	}
}

func TestValidateEmail(t *testing.T) {
	for _, email := range []string{"", "ann@example.com", " sam.o+x@mail.example.org "} {
		if _, err := ValidateEmail(email); err != nil {
			t.Fatalf("ValidateEmail(%q) error = %v", email, err)
		}
	}
	for _, email := range []string{"ann", "ann@host", "Ann <ann@example.com>", "a b@example.com"} {
		if _, err := ValidateEmail(email); err == nil {
			t.Fatalf("ValidateEmail(%q) error = nil, want error", email)
		}
	}
}
