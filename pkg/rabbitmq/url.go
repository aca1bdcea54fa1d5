// Package rabbitmq wraps amqp091-go with the small publish and consume
// surface the ledger daemon needs.
package rabbitmq

import (
	"errors"
	"net/url"
	"strings"
)

// sanitizeURL strips quoting and stray prefixes that tend to leak in from
// environment files, then checks the scheme.
func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}
