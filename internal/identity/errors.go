package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a failure reported by the provider itself, as opposed to a
// transport failure reaching it.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("identity: provider status %d: %s", e.Status, e.Message)
}

// Transient reports whether the provider failure looks like a provider
// outage rather than a verdict about the request.
func (e *Error) Transient() bool {
	return e.Status >= 500
}

// accountExistsMarkers are the known wordings providers use for a
// duplicate registration. Matching message text is brittle by nature,
// so every variant lives here and nowhere else; wording drift upstream
// shows up as a failure of this package's fixture test.
var accountExistsMarkers = []string{
	"user already registered",
	"already been registered",
	"already registered",
	"already exists",
	"user_already_exists",
	"email_exists",
	"email address already in use",
	"duplicate key value",
}

// IsAccountExists reports whether err is the provider's way of saying
// the email is already registered.
func IsAccountExists(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	var providerErr *Error
	if errors.As(err, &providerErr) {
		message = providerErr.Message
	}
	message = strings.ToLower(message)
	for _, marker := range accountExistsMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

var invalidCredentialsMarkers = []string{
	"invalid login credentials",
	"invalid email or password",
	"invalid_credentials",
	"invalid_grant",
}

// IsInvalidCredentials reports whether err is a bad email/password
// verdict rather than a provider failure.
func IsInvalidCredentials(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	var providerErr *Error
	if errors.As(err, &providerErr) {
		message = providerErr.Message
	}
	message = strings.ToLower(message)
	for _, marker := range invalidCredentialsMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
