// Package validation содержит функции валидации входных данных.
package validation

import "strings"

const (
	minReferralCodeLen = 6
	maxReferralCodeLen = 12
)

// IsValidReferralCode проверяет формат реферального кода: 6–12 символов A-Z и 0-9.
func IsValidReferralCode(code string) bool {
	if len(code) < minReferralCodeLen || len(code) > maxReferralCodeLen {
		return false
	}

	for i := 0; i < len(code); i++ {
		ch := code[i]
		if (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') {
			return false
		}
	}

	return true
}

// NormalizeReferralCode убирает пробелы по краям. Регистр не меняется: строчные коды недопустимы.
func NormalizeReferralCode(code string) string {
	return strings.TrimSpace(code)
}
