package utils

import "strings"

// RedactEmail keeps the first character of the local part and the domain:
// "jane.doe@example.com" becomes "j***@example.com".
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
