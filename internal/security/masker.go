// Package security masks secrets in build parameters and command output.
package security

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/relicta-tech/buildline/internal/errors"
)

// Redacted replaces masked values.
const Redacted = "[REDACTED]"

// sensitiveNames are parameter name fragments whose values are never shown.
var sensitiveNames = []string{
	"PASSWORD",
	"PASSWD",
	"SECRET",
	"TOKEN",
	"API_KEY",
	"APIKEY",
	"PRIVATE_KEY",
	"CREDENTIAL",
}

// Masker masks secrets when enabled.
type Masker struct {
	enabled bool
	mu      sync.RWMutex
}

// globalMasker is the instance used by the package-level functions.
var globalMasker = &Masker{}

// Enable enables secret masking globally.
func Enable() { globalMasker.Enable() }

// Disable disables secret masking globally.
func Disable() { globalMasker.Disable() }

// IsEnabled returns true if secret masking is enabled globally.
func IsEnabled() bool { return globalMasker.IsEnabled() }

// EnableInCI enables masking when running inside a CI job, where output
// ends up in shared build logs.
func EnableInCI() {
	ciEnvVars := []string{
		"CI",
		"JENKINS_URL",
		"GITLAB_CI",
		"GITHUB_ACTIONS",
		"BUILDKITE",
		"TEAMCITY_VERSION",
	}
	for _, env := range ciEnvVars {
		if os.Getenv(env) != "" {
			Enable()
			return
		}
	}
}

// Mask redacts secrets in s if masking is enabled globally.
func Mask(s string) string { return globalMasker.Mask(s) }

// MaskParameters masks parameter values if masking is enabled globally.
func MaskParameters(params map[string]string) map[string]string {
	return globalMasker.Parameters(params)
}

// IsSensitiveName reports whether a parameter name suggests a secret value.
func IsSensitiveName(name string) bool {
	upper := strings.ToUpper(name)
	for _, fragment := range sensitiveNames {
		if strings.Contains(upper, fragment) {
			return true
		}
	}
	return false
}

// NewMasker creates a disabled Masker.
func NewMasker() *Masker {
	return &Masker{}
}

// Enable enables masking for this Masker instance.
func (m *Masker) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

// Disable disables masking for this Masker instance.
func (m *Masker) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// IsEnabled returns true if masking is enabled for this Masker instance.
func (m *Masker) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Mask redacts credentials and tokens in s.
func (m *Masker) Mask(s string) string {
	if !m.IsEnabled() {
		return s
	}
	return errors.RedactSensitive(s)
}

// Parameters returns params with secret values replaced. Values of
// parameters with sensitive names are replaced whole; other values have
// embedded credentials redacted. params is not modified.
func (m *Masker) Parameters(params map[string]string) map[string]string {
	if params == nil || !m.IsEnabled() {
		return params
	}
	masked := make(map[string]string, len(params))
	for name, value := range params {
		if value != "" && IsSensitiveName(name) {
			masked[name] = Redacted
			continue
		}
		masked[name] = errors.RedactSensitive(value)
	}
	return masked
}

// MaskedWriter wraps an io.Writer to mask secrets in everything written.
type MaskedWriter struct {
	w      io.Writer
	masker *Masker
}

// NewMaskedWriter wraps w using the global masking switch.
func NewMaskedWriter(w io.Writer) *MaskedWriter {
	return &MaskedWriter{w: w, masker: globalMasker}
}

// Write implements io.Writer, masking sensitive data before writing.
func (mw *MaskedWriter) Write(p []byte) (n int, err error) {
	if !mw.masker.IsEnabled() {
		return mw.w.Write(p)
	}
	// Write the masked data but return the original length
	// to satisfy the io.Writer contract
	if _, err := mw.w.Write([]byte(errors.RedactSensitive(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
