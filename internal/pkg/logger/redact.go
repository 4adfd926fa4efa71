package logger

import "regexp"

var phoneRegex = regexp.MustCompile(`1[3-9]\d{9}`)

// RedactPhone masks a phone number for safe logging.
// "13800001111" → "138****1111". Values too short to be a phone
// number are fully masked.
func RedactPhone(phone string) string {
	if len(phone) < 7 {
		return "****"
	}
	return phone[:3] + "****" + phone[len(phone)-4:]
}

// RedactName masks a person name, keeping only the first rune.
// "Zhang San" → "Z***". Empty input stays empty.
func RedactName(name string) string {
	runes := []rune(name)
	if len(runes) == 0 {
		return ""
	}
	return string(runes[0]) + "***"
}
