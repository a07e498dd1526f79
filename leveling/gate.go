package leveling

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ProtectedGate guards manual level changes behind a keyword.
type ProtectedGate interface {
	Authorize(keyword string) bool
}

// BcryptGate accepts the keyword matching a bcrypt hash. The zero value
// refuses everything.
type BcryptGate struct {
	hash []byte
}

func NewBcryptGate(hash string) BcryptGate {
	return BcryptGate{hash: []byte(strings.TrimSpace(hash))}
}

// GateFromEnv reads the keyword hash from the named environment variable.
func GateFromEnv(name string) (BcryptGate, error) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return BcryptGate{}, fmt.Errorf("environment variable %s is not set", name)
	}
	if _, err := bcrypt.Cost([]byte(strings.TrimSpace(v))); err != nil {
		return BcryptGate{}, fmt.Errorf("%s is not a bcrypt hash: %w", name, err)
	}
	return NewBcryptGate(v), nil
}

func (g BcryptGate) Authorize(keyword string) bool {
	if len(g.hash) == 0 || keyword == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(g.hash, []byte(keyword)) == nil
}

// HashKeyword produces the value to store in the keyword environment variable.
func HashKeyword(keyword string) (string, error) {
	if keyword == "" {
		return "", fmt.Errorf("keyword is empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(keyword), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

type denyAll struct{}

func (denyAll) Authorize(string) bool { return false }
