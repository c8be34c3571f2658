package types

import "log/slog"

const secretMask = "***REDACTED***"

var secretMaskJSON = []byte(`"` + secretMask + `"`)

// SecretString holds a credential (Stripe keys, webhook signing secrets,
// database URLs) that must never reach logs or serialized output. Its
// fmt, JSON, and slog representations are all masked; only Unmask
// returns the plaintext.
type SecretString string

func (s SecretString) String() string {
	return secretMask
}

func (s SecretString) MarshalJSON() ([]byte, error) {
	return secretMaskJSON, nil
}

// LogValue masks the secret in structured log output.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(secretMask)
}

// Unmask returns the plaintext. Call sites are the audit surface: keep
// them limited to client construction and connection setup.
func (s SecretString) Unmask() string {
	return string(s)
}
