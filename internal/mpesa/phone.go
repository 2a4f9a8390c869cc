package mpesa

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/siretech/backoffice-payments/internal/domain"
)

var msisdnPattern = regexp.MustCompile(`^254(7|1)\d{8}$`)

// NormalizePhone converts a Kenyan mobile number to the 2547XXXXXXXX or
// 2541XXXXXXXX form the gateway expects.
func NormalizePhone(raw string) (string, error) {
	phone := strings.TrimSpace(raw)
	phone = strings.TrimPrefix(phone, "+")
	if strings.HasPrefix(phone, "0") {
		phone = "254" + phone[1:]
	}

	if !msisdnPattern.MatchString(phone) {
		return "", fmt.Errorf("NormalizePhone: %w", domain.ErrInvalidPhoneFormat)
	}
	return phone, nil
}
