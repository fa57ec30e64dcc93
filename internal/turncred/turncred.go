// Package turncred implements coturn-compatible TURN REST credentials
// (draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry_timestamp>:<participant_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The relay server is configured with the same shared secret and
// accepts the credential until the encoded expiry passes. The issuer
// is a pure function of (participant, now, secret); it keeps no state
// across calls and does no I/O.
package turncred

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/akosev/ringlet/internal/domain"
)

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type Config struct {
	SharedSecret string
	TTL          time.Duration
	Now          func() time.Time
}

// NewIssuer fails only on misconfiguration; that is fatal at startup,
// never at call time.
func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("ttl must be > 0")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		now:    cfg.Now,
	}, nil
}

type Credential struct {
	Username   string        `json:"username"`
	Credential string        `json:"credential"`
	TTL        time.Duration `json:"-"`
	ExpiryUnix int64         `json:"expiry"`
}

func (i *Issuer) Issue(participant domain.UserID) (Credential, error) {
	if participant == "" {
		return Credential{}, errors.New("participant id is required")
	}
	if strings.ContainsRune(string(participant), ':') {
		return Credential{}, errors.New("participant id must not contain ':'")
	}
	expiry := i.now().UTC().Unix() + int64(i.ttl/time.Second)
	username := fmt.Sprintf("%d:%s", expiry, participant)
	return Credential{
		Username:   username,
		Credential: sign(i.secret, username),
		TTL:        i.ttl,
		ExpiryUnix: expiry,
	}, nil
}

// Validate recomputes the signature and rejects expired usernames.
// The compare is constant time.
func (i *Issuer) Validate(username, credential string) bool {
	expiryStr, _, ok := strings.Cut(username, ":")
	if !ok {
		return false
	}
	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return false
	}
	if !hmac.Equal([]byte(sign(i.secret, username)), []byte(credential)) {
		return false
	}
	return expiry > i.now().UTC().Unix()
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
