package catalog

import (
	"errors"
	"net/netip"
	"strings"
)

// ValidatorFactory builds a Validator for a definition. Factories let
// validators read per-definition parameters such as Keywords.
type ValidatorFactory func(def Definition) (Validator, error)

// Registry maps validator names used in catalog files to factories.
type Registry map[string]ValidatorFactory

// Builtins returns a fresh registry with the reference validators.
func Builtins() Registry {
	return Registry{
		"luhn":            static(ValidateLuhn),
		"iban":            static(ValidateIBAN),
		"ssn":             static(ValidateSSN),
		"ipv4":            static(ValidateIPv4),
		"keyword_context": keywordContext,
	}
}

func static(v Validator) ValidatorFactory {
	return func(Definition) (Validator, error) { return v, nil }
}

// keywordContext accepts a match only when one of the definition's keywords
// occurs in the surrounding context.
func keywordContext(def Definition) (Validator, error) {
	if len(def.Keywords) == 0 {
		return nil, errors.New("keyword_context requires keywords")
	}
	keywords := make([]string, len(def.Keywords))
	for i, k := range def.Keywords {
		keywords[i] = strings.ToLower(k)
	}
	return func(_, context string) bool {
		window := strings.ToLower(context)
		for _, k := range keywords {
			if strings.Contains(window, k) {
				return true
			}
		}
		return false
	}, nil
}

// ValidateLuhn checks card-like numbers (13-19 digits) with the Luhn
// checksum (ISO/IEC 7812).
func ValidateLuhn(match, _ string) bool {
	digits := stripNonDigits(match)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	return luhnValid(digits)
}

// ValidateSSN applies the US Social Security number allocation rules: area
// not 000, 666 or 9xx; group not 00; serial not 0000.
func ValidateSSN(match, _ string) bool {
	digits := stripNonDigits(match)
	if len(digits) != 9 {
		return false
	}
	area, group, serial := digits[:3], digits[3:5], digits[5:]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}

// ValidateIBAN verifies country length and the ISO 13616 MOD-97 check digits.
func ValidateIBAN(match, _ string) bool {
	iban := strings.ToUpper(strings.ReplaceAll(match, " ", ""))
	if len(iban) < 5 {
		return false
	}
	expected, ok := ibanLengths[iban[:2]]
	if !ok || len(iban) != expected {
		return false
	}

	// Move the country code and check digits to the end, map letters to
	// 10..35 and reduce mod 97 as we go.
	rearranged := iban[4:] + iban[:4]
	remainder := 0
	for _, ch := range rearranged {
		switch {
		case ch >= '0' && ch <= '9':
			remainder = (remainder*10 + int(ch-'0')) % 97
		case ch >= 'A' && ch <= 'Z':
			remainder = (remainder*100 + int(ch-'A'+10)) % 97
		default:
			return false
		}
	}
	return remainder == 1
}

// ValidateIPv4 rejects dotted quads with octets above 255 or leading zeros.
func ValidateIPv4(match, _ string) bool {
	addr, err := netip.ParseAddr(match)
	return err == nil && addr.Is4()
}

func luhnValid(number string) bool {
	sum := 0
	alt := false
	for i := len(number) - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

var ibanLengths = map[string]int{
	"AT": 20, "BE": 16, "BG": 22, "CH": 21, "CY": 28, "CZ": 24, "DE": 22,
	"DK": 18, "EE": 20, "ES": 24, "FI": 18, "FR": 27, "GB": 22, "GR": 27,
	"HR": 21, "HU": 28, "IE": 22, "IS": 26, "IT": 27, "LI": 21, "LT": 20,
	"LU": 20, "LV": 21, "MT": 31, "NL": 18, "NO": 15, "PL": 28, "PT": 25,
	"RO": 24, "SE": 24, "SI": 19, "SK": 24,
}
