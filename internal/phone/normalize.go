// Package phone normalises phone numbers before directory lookups.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is used to interpret numbers without a country prefix.
const DefaultRegion = "RU"

// NormalizeE164 formats a phone number to E.164 using region for numbers
// without a country code. Internal extensions and anything unparseable are
// returned trimmed but otherwise unchanged.
func NormalizeE164(input, region string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return trimmed
	}
	if region == "" {
		region = DefaultRegion
	}

	number, err := phonenumbers.Parse(trimmed, region)
	if err != nil {
		return trimmed
	}

	if !phonenumbers.IsValidNumber(number) {
		return trimmed
	}

	return phonenumbers.Format(number, phonenumbers.E164)
}

// Normalizer returns a function bound to region, suitable for store.WithNormalizer.
func Normalizer(region string) func(string) string {
	return func(input string) string {
		return NormalizeE164(input, region)
	}
}
