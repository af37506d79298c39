package validation

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	errpkg "github.com/veranemoloko/stream-assembler/internal/errors"
)

var validate *validator.Validate

// hosts that resolve to the service itself or to cloud metadata endpoints
var forbiddenHosts = []string{
	"localhost",
	"127.0.0.1",
	"::1",
	"0.0.0.0",
	"169.254.169.254",
	"metadata.google.internal",
}

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("source_url", validateSourceURL)
}

// ValidateSourceURL checks a page URL submitted for extraction. Only public
// http(s) hosts are accepted.
func ValidateSourceURL(raw string) error {
	if err := validate.Var(raw, "required,max=8192,source_url"); err != nil {
		return fmt.Errorf("%w %q: %v", errpkg.ErrInvalidURL, raw, err)
	}
	return nil
}

func validateSourceURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" || u.User != nil {
		return false
	}

	host := strings.TrimSuffix(u.Hostname(), ".")
	for _, forbidden := range forbiddenHosts {
		if strings.EqualFold(host, forbidden) {
			return false
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return false
		}
	}
	return true
}
