package harvest

import (
	"strings"
)

// NormalizeCNPJ strips punctuation, keeping only digits.
func NormalizeCNPJ(raw string) string {
	var b strings.Builder
	b.Grow(14)
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidCNPJ checks length and both check digits.
func ValidCNPJ(raw string) bool {
	digits := NormalizeCNPJ(raw)
	if len(digits) != 14 {
		return false
	}
	if strings.Count(digits, digits[:1]) == 14 {
		return false
	}
	return cnpjDigit(digits[:12]) == digits[12] && cnpjDigit(digits[:13]) == digits[13]
}

func cnpjDigit(base string) byte {
	weight := len(base) - 7
	sum := 0
	for i := 0; i < len(base); i++ {
		sum += int(base[i]-'0') * weight
		weight--
		if weight < 2 {
			weight = 9
		}
	}
	rem := sum % 11
	if rem < 2 {
		return '0'
	}
	return byte('0' + 11 - rem)
}

// MaskCNPJ hides the root digits: 11222333000181 -> 11.***.***/0001-81.
// Inputs that are not 14 digits are fully masked.
func MaskCNPJ(raw string) string {
	digits := NormalizeCNPJ(raw)
	if len(digits) != 14 {
		return strings.Repeat("*", len(digits))
	}
	return digits[:2] + ".***.***/" + digits[8:12] + "-" + digits[12:]
}
