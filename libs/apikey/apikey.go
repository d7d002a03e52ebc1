// Package apikey issues and verifies operator keys for internal endpoints.
// A key has the form lk_<env>_<prefix>.<secret>; only the hash of
// prefix and secret is ever stored.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/samber/lo"
)

const keyTag = "lk"

var (
	ErrInvalidKey       = errors.New("invalid api key")
	ErrRevokedKey       = errors.New("revoked api key")
	ErrIPNotAllowed     = errors.New("ip not allowed")
	ErrInvalidWhitelist = errors.New("invalid ip whitelist")
	ErrMissingScope     = errors.New("missing scope")
)

type Record struct {
	ID          string
	Operator    string
	KeyHash     string
	Scopes      []string
	IPWhitelist []string
	RevokedAt   *time.Time
}

func (r Record) HasScope(scope string) bool {
	return lo.Contains(r.Scopes, scope) || lo.Contains(r.Scopes, "*")
}

func Generate(env string) (fullKey, prefix, hash string, err error) {
	if env == "" || strings.ContainsAny(env, "_.") {
		return "", "", "", fmt.Errorf("invalid key env %q", env)
	}
	if prefix, err = randomToken(6, base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString); err != nil {
		return "", "", "", err
	}
	prefix = strings.ToLower(prefix)
	secret, err := randomToken(32, base64.RawURLEncoding.EncodeToString)
	if err != nil {
		return "", "", "", err
	}
	return fmt.Sprintf("%s_%s_%s.%s", keyTag, env, prefix, secret), prefix, Hash(prefix, secret), nil
}

func Parse(key string) (env, prefix, secret string, err error) {
	head, secret, ok := strings.Cut(strings.TrimSpace(key), ".")
	if !ok || secret == "" {
		return "", "", "", ErrInvalidKey
	}
	parts := strings.SplitN(head, "_", 3)
	if len(parts) != 3 || parts[0] != keyTag || parts[1] == "" || parts[2] == "" {
		return "", "", "", ErrInvalidKey
	}
	return parts[1], parts[2], secret, nil
}

func Hash(prefix, secret string) string {
	sum := sha256.Sum256([]byte(prefix + "." + secret))
	return hex.EncodeToString(sum[:])
}

// Verify checks key against record for a request coming from clientIP.
func Verify(key string, record Record, clientIP string) error {
	_, prefix, secret, err := Parse(key)
	if err != nil {
		return err
	}
	want := strings.ToLower(record.KeyHash)
	if subtle.ConstantTimeCompare([]byte(Hash(prefix, secret)), []byte(want)) != 1 {
		return ErrInvalidKey
	}
	if record.RevokedAt != nil {
		return ErrRevokedKey
	}
	if !IPAllowed(clientIP, record.IPWhitelist) {
		return ErrIPNotAllowed
	}
	return nil
}

// Match returns the first record key verifies against.
func Match(key string, records []Record, clientIP string) (Record, error) {
	err := ErrInvalidKey
	for _, r := range records {
		verr := Verify(key, r, clientIP)
		if verr == nil {
			return r, nil
		}
		if !errors.Is(verr, ErrInvalidKey) {
			err = verr
		}
	}
	return Record{}, err
}

func ValidateIPWhitelist(whitelist []string) error {
	for _, entry := range whitelist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return ErrInvalidWhitelist
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return ErrInvalidWhitelist
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return ErrInvalidWhitelist
		}
	}
	return nil
}

func IPAllowed(clientIP string, whitelist []string) bool {
	if len(whitelist) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	return lo.SomeBy(whitelist, func(entry string) bool {
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			return err == nil && network.Contains(ip)
		}
		parsed := net.ParseIP(entry)
		return parsed != nil && parsed.Equal(ip)
	})
}

func randomToken(n int, encode func([]byte) string) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return encode(buf), nil
}
