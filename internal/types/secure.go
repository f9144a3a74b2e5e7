package types

import "log/slog"

const redacted = "***REDACTED***"

// SecretString holds a sensitive value (API keys, connection strings) and
// redacts itself through every accidental output path: fmt via Stringer,
// encoding/json via MarshalJSON, and slog via LogValuer. Call Unmask at the
// point the raw value is genuinely needed, such as an Authorization header.
type SecretString string

func (s SecretString) String() string { return redacted }

func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// Unmask returns the raw secret.
func (s SecretString) Unmask() string {
	return string(s)
}
