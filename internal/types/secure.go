package types

import "log/slog"

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds a credential (database password, API key) and refuses
// to print it. fmt, encoding/json and slog all see the redacted placeholder;
// Unmask returns the raw value for the driver that actually needs it.
type SecretString string

// String returns the redacted placeholder.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON encodes the redacted placeholder.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// LogValue keeps the secret out of structured log output.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// IsEmpty reports whether no secret was supplied.
func (s SecretString) IsEmpty() bool {
	return s == ""
}

// Unmask returns the raw plaintext value.
func (s SecretString) Unmask() string {
	return string(s)
}
