package identity

import (
	"crypto/subtle"
	"errors"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrExportUnauthorized is returned when the caller's token doesn't
// match any entry in SECRET_KEY_EXPORT_AUTH.
var ErrExportUnauthorized = errors.New("identity: secret key export not authorized")

// ExportFormat selects the encoding returned by Export.
type ExportFormat string

const (
	ExportHex   ExportFormat = "hex"
	ExportBech32 ExportFormat = "bech32"
)

// Export returns the identity's secret key in the requested format,
// but only if token matches one of the comma-separated entries in the
// SECRET_KEY_EXPORT_AUTH environment variable. Unauthorized attempts
// are logged and rejected.
func (id *Identity) Export(format ExportFormat, token string) (string, error) {
	if !authorized(token) {
		log.Warn().Msg("identity: rejected unauthorized secret key export attempt")
		return "", ErrExportUnauthorized
	}
	switch format {
	case ExportBech32:
		return EncodePrivate(id.SecretKeyHex)
	case ExportHex:
		return id.SecretKeyHex, nil
	default:
		return "", errors.New("identity: unknown export format")
	}
}

func authorized(token string) bool {
	if token == "" {
		return false
	}
	raw := os.Getenv("SECRET_KEY_EXPORT_AUTH")
	if raw == "" {
		return false
	}
	for _, candidate := range strings.Split(raw, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return true
		}
	}
	return false
}
