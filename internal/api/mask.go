package api

import (
	"regexp"
	"strings"

	"github.com/thecatch/orderflow/pkg/models"
)

// Customer fields are masked for public display: order tracking only
// needs an unauthenticated order number, so the response must not leak
// full contact details.

func MaskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***@***.***"
	}
	local, domain := email[:at], email[at+1:]
	masked := local[:1] + "***" + local[len(local)-1:]
	return masked + "@" + domain
}

var maskNonDigits = regexp.MustCompile(`\D`)

func MaskPhone(phone string) string {
	digits := maskNonDigits.ReplaceAllString(phone, "")
	if len(digits) < 4 {
		return "***-***-****"
	}
	return "***-***-" + digits[len(digits)-4:]
}

func MaskName(name string) string {
	parts := strings.Split(name, " ")
	for i, part := range parts {
		if len(part) <= 2 {
			continue
		}
		parts[i] = part[:1] + strings.Repeat("*", len(part)-2) + part[len(part)-1:]
	}
	return strings.Join(parts, " ")
}

func maskCustomer(c models.Customer) models.Customer {
	return models.Customer{
		Name:  MaskName(c.Name),
		Email: MaskEmail(c.Email),
		Phone: MaskPhone(c.Phone),
	}
}
