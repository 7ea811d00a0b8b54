package utils

import (
	"strings"
	"unicode"
)

// NormalizePlate приводит номер к виду для сравнения: только буквы и цифры в верхнем регистре.
func NormalizePlate(raw string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return -1
	}, raw)
}

// SamePlate сравнивает номера без учета разделителей и регистра.
// Пустой номер не совпадает ни с чем.
func SamePlate(a, b string) bool {
	na := NormalizePlate(a)
	return na != "" && na == NormalizePlate(b)
}

// PlateReading выбирает номер для нарушения: распознавание ниже порога уверенности отбрасывается.
func PlateReading(raw string, confidence, minConfidence float64) string {
	if confidence < minConfidence {
		return ""
	}
	return NormalizePlate(raw)
}
