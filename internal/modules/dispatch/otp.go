package dispatch

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

const otpDigits = 4

// OTPGenerator returns a fresh plaintext pickup code.
type OTPGenerator func() (string, error)

func randomOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}

func hashOTP(code string, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(code), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func otpMatches(hash, code string) bool {
	return hash != "" && bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}
