package card

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"
)

const panLength = 16

var digitsOnly = regexp.MustCompile(`^\d+$`)

// validateBIN checks an issuer identification number prefix.
func validateBIN(bin string) error {
	if len(bin) < 6 || len(bin) > 8 {
		return errors.New("BIN must be 6-8 digits")
	}
	if !digitsOnly.MatchString(bin) {
		return errors.New("BIN must contain only digits")
	}
	return nil
}

// generatePAN returns a random Luhn-valid card number starting with bin.
func generatePAN(bin string) (string, error) {
	body := []byte(bin)
	for len(body) < panLength-1 {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to generate PAN digit: %w", err)
		}
		body = append(body, byte('0'+n.Int64()))
	}
	return string(append(body, '0'+luhnCheckDigit(string(body)))), nil
}

// luhnCheckDigit computes the digit that makes payload+digit pass luhnValid.
func luhnCheckDigit(payload string) byte {
	sum := 0
	double := true
	for i := len(payload) - 1; i >= 0; i-- {
		d := int(payload[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return byte((10 - sum%10) % 10)
}

func luhnValid(pan string) bool {
	if len(pan) < 13 || len(pan) > 19 || !digitsOnly.MatchString(pan) {
		return false
	}
	return luhnCheckDigit(pan[:len(pan)-1]) == pan[len(pan)-1]-'0'
}

// expiryFor returns the MM/YY expiry of a card issued at t.
func expiryFor(t time.Time) string {
	exp := t.AddDate(4, 0, 0)
	return fmt.Sprintf("%02d/%02d", int(exp.Month()), exp.Year()%100)
}
