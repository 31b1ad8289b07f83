package identity

import (
	"errors"
	"fmt"
	"testing"
)

// Known provider wordings for duplicate registration, collected from
// hosted deployments. If the provider reworks its copy, this fixture is
// where the drift should surface.
func TestIsAccountExistsKnownVariants(t *testing.T) {
	variants := []string{
		"User already registered",
		"A user with this email address has already been registered",
		"user_already_exists",
		"email_exists",
		"Email address already in use",
		"duplicate key value violates unique constraint \"users_email_lower_idx\"",
	}
	for _, variant := range variants {
		t.Run(variant, func(t *testing.T) {
			if !IsAccountExists(&Error{Status: 422, Message: variant}) {
				t.Fatalf("expected %q to classify as account-exists", variant)
			}
		})
	}
}

func TestIsAccountExistsNegatives(t *testing.T) {
	cases := []error{
		nil,
		errors.New("connection refused"),
		&Error{Status: 500, Message: "Internal server error"},
		&Error{Status: 422, Message: "Password should be at least 6 characters"},
	}
	for _, err := range cases {
		if IsAccountExists(err) {
			t.Fatalf("did not expect %v to classify as account-exists", err)
		}
	}
}

func TestIsAccountExistsUnwrapsProviderError(t *testing.T) {
	err := fmt.Errorf("sign up: %w", &Error{Status: 422, Message: "User already registered"})
	if !IsAccountExists(err) {
		t.Fatal("expected wrapped provider error to classify as account-exists")
	}
}

func TestIsInvalidCredentials(t *testing.T) {
	if !IsInvalidCredentials(&Error{Status: 400, Message: "Invalid login credentials"}) {
		t.Fatal("expected gotrue wording to classify as invalid credentials")
	}
	if !IsInvalidCredentials(&Error{Status: 400, Message: "invalid_grant"}) {
		t.Fatal("expected oauth wording to classify as invalid credentials")
	}
	if IsInvalidCredentials(&Error{Status: 503, Message: "upstream timeout"}) {
		t.Fatal("did not expect transient failure to classify as invalid credentials")
	}
}

func TestErrorTransient(t *testing.T) {
	if (&Error{Status: 422, Message: "nope"}).Transient() {
		t.Fatal("4xx should not be transient")
	}
	if !(&Error{Status: 503, Message: "unavailable"}).Transient() {
		t.Fatal("5xx should be transient")
	}
}
