package consent

import (
	"fmt"

	"github.com/prebid/go-gdpr/vendorconsent"
)

// Validate decodes a TCF consent string and returns its version. An empty
// string is valid and reports version 0. Errors wrap ErrMalformedConsent.
func Validate(consentString string) (uint8, error) {
	if consentString == "" {
		return 0, nil
	}
	parsed, err := vendorconsent.ParseString(consentString)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedConsent, err)
	}
	return parsed.Version(), nil
}
