// Package sms extracts one-time passcodes from SMS message bodies.
package sms

import "regexp"

var otpPattern = regexp.MustCompile(`\b\d{4,6}\b`)

// ExtractOTP returns the first 4-6 digit code found in the message body,
// or "" when none is present.
func ExtractOTP(body string) string {
	return otpPattern.FindString(body)
}
