// internal/identity/generator.go
package identity

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"credpilot/internal/config"
)

// Account is one freshly generated identity ready for registration.
type Account struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Generator builds accounts under the configured mail domain.
type Generator struct {
	cfg config.AccountConfig

	now func() time.Time
}

// NewGenerator builds a generator from account configuration.
func NewGenerator(cfg config.AccountConfig) *Generator {
	return &Generator{cfg: cfg, now: time.Now}
}

const (
	lowerAlpha   = "abcdefghijklmnopqrstuvwxyz"
	passwordPool = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var firstNames = []string{
	"Alex", "Casey", "Jordan", "Morgan", "Riley", "Sam", "Taylor", "Quinn",
}

var lastNames = []string{
	"Baker", "Carter", "Dawson", "Ellis", "Foster", "Hayes", "Mercer", "Walsh",
}

// NewAccount returns a fresh identity. The local part carries a timestamp
// suffix so two generators on the same domain cannot collide within the
// store's uniqueness window.
func (g *Generator) NewAccount() (*Account, error) {
	local, err := randomString(lowerAlpha, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to generate local part: %w", err)
	}
	password, err := randomString(passwordPool, g.cfg.PasswordLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate password: %w", err)
	}
	first, err := pick(firstNames)
	if err != nil {
		return nil, err
	}
	last, err := pick(lastNames)
	if err != nil {
		return nil, err
	}

	return &Account{
		Email:     fmt.Sprintf("%s%d@%s", local, g.now().Unix()%1_000_000, g.cfg.Domain),
		Password:  password,
		FirstName: first,
		LastName:  last,
	}, nil
}

func randomString(pool string, length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	max := big.NewInt(int64(len(pool)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(pool[n.Int64()])
	}
	return b.String(), nil
}

func pick(options []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(options))))
	if err != nil {
		return "", err
	}
	return options[n.Int64()], nil
}
