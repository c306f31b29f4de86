// Package masking redacts personal data from audit payloads.
package masking

import "strings"

// Redacted replaces erased PII values.
const Redacted = "[REDACTED]"

// piiKeys lists detail keys that carry personal data. Matching is done on
// the lowercased key with separators stripped, so customer_email and
// customerEmail both hit "customeremail".
var piiKeys = map[string]struct{}{
	"email":         {},
	"customeremail": {},
	"payeremail":    {},
	"name":          {},
	"customername":  {},
	"payername":     {},
	"fullname":      {},
	"document":      {},
	"cpf":           {},
	"cnpj":          {},
	"taxid":         {},
	"phone":         {},
	"phonenumber":   {},
	"address":       {},
	"ipaddress":     {},
	"useragent":     {},
	"cardlast4":     {},
	"cardholder":    {},
}

// AnonymizePII returns a copy of details with PII values replaced. Nested
// objects and arrays are walked recursively.
func AnonymizePII(details map[string]any) map[string]any {
	if details == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(details))
	for key, value := range details {
		if isPIIKey(key) {
			out[key] = Redacted
			continue
		}
		out[key] = anonymizeValue(value)
	}
	return out
}

func anonymizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return AnonymizePII(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = anonymizeValue(item)
		}
		return out
	default:
		return value
	}
}

func isPIIKey(key string) bool {
	normalized := strings.ToLower(key)
	normalized = strings.ReplaceAll(normalized, "_", "")
	normalized = strings.ReplaceAll(normalized, "-", "")
	_, ok := piiKeys[normalized]
	return ok
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return Redacted
	}
	return email[:1] + "***" + email[at:]
}

// MaskDocument keeps the last four digits of a tax document.
func MaskDocument(document string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, document)
	if len(digits) < 4 {
		return Redacted
	}
	return "***" + digits[len(digits)-4:]
}
