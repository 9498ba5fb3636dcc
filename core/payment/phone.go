package payment

import "strings"

const countryCode = "254"

// NormalizePhone converts a Kenyan MSISDN to the 254XXXXXXXXX wire format the
// provider expects. Best effort only: strips whitespace and a leading "+",
// replaces a leading "0" with the country code and prefixes the country code
// when missing. Not a general E.164 parser.
func NormalizePhone(phone string) string {
	p := strings.Join(strings.Fields(phone), "")
	p = strings.TrimPrefix(p, "+")
	switch {
	case strings.HasPrefix(p, "0"):
		p = countryCode + p[1:]
	case !strings.HasPrefix(p, countryCode):
		p = countryCode + p
	}
	return p
}
