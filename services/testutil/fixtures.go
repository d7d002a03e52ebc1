package testutil

import (
	"time"

	"github.com/AfshinJalili/rewardledger/libs/apikey"
	"github.com/AfshinJalili/rewardledger/libs/auth"
)

const (
	DemoBuyerRef  = "user-demo-buyer"
	DemoSellerRef = "user-demo-seller"
	AdminScope    = "ledger:admin"
)

// GenerateJWT signs an access token whose subject is the user's external ref.
func GenerateJWT(subject string, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	return auth.Sign(subject, []string{"ledger"}, secret, ttl, now)
}

// GenerateAdminKey returns a fresh operator key and the record that admits it.
func GenerateAdminKey(operator string) (string, apikey.Record, error) {
	key, prefix, hash, err := apikey.Generate("test")
	if err != nil {
		return "", apikey.Record{}, err
	}
	return key, apikey.Record{ID: prefix, Operator: operator, KeyHash: hash, Scopes: []string{AdminScope}}, nil
}
