package provider

import (
	"fmt"
	"strings"
)

// NormalizePhone converts a Kenyan MSISDN to the 254XXXXXXXXX form M-Pesa
// requires. Accepted inputs: +2547.../+2541... (13 chars), 2547.../2541...
// (12 digits), and the local 07.../01... form (10 digits).
func NormalizePhone(phone string) (string, error) {
	p := strings.TrimSpace(phone)
	p = strings.ReplaceAll(p, " ", "")

	switch {
	case len(p) == 13 && (strings.HasPrefix(p, "+2547") || strings.HasPrefix(p, "+2541")):
		p = p[1:]
	case len(p) == 12 && (strings.HasPrefix(p, "2547") || strings.HasPrefix(p, "2541")):
		// already normalized
	case len(p) == 10 && (strings.HasPrefix(p, "07") || strings.HasPrefix(p, "01")):
		p = "254" + p[1:]
	default:
		return "", fmt.Errorf("invalid phone number format: %q", phone)
	}

	for _, r := range p {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("invalid phone number format: %q", phone)
		}
	}
	return p, nil
}
