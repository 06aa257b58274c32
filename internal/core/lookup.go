package core

import (
	"context"
	"crypto/sha1"

	"github.com/wahjam/wahjam-sub001/internal/privs"
)

// Account is the result of a user lookup.
type Account struct {
	// Valid is false for unknown users or disabled accounts.
	Valid bool
	// Secret is the per-account material the client hashes with the
	// challenge; for password accounts it is SHA1("user:pass").
	Secret []byte
	Privs  privs.Set
	// MaxChannels is the account's channel quota.
	MaxChannels int
	// Status marks a query-only login that receives a room snapshot and is
	// never admitted as a member.
	Status bool
}

// UserLookup resolves a claimed username to an account. Implementations may
// block; the room calls them outside its lock.
type UserLookup interface {
	LookupUser(ctx context.Context, username, serverName string) (Account, error)
}

// LookupChain consults each lookup in order and returns the first valid
// account. Errors from one lookup do not stop the chain.
type LookupChain []UserLookup

func (lc LookupChain) LookupUser(ctx context.Context, username, serverName string) (Account, error) {
	var firstErr error
	for _, l := range lc {
		acct, err := l.LookupUser(ctx, username, serverName)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if acct.Valid {
			return acct, nil
		}
	}
	return Account{}, firstErr
}

// PasswordSecret returns the secret stored for a username/password
// account: SHA1(username ":" password).
func PasswordSecret(username, password string) []byte {
	sum := sha1.Sum([]byte(username + ":" + password))
	return sum[:]
}

// ChallengeResponse computes SHA1(secret ++ challenge), the hash a client
// must present to authenticate.
func ChallengeResponse(secret, challenge []byte) [sha1.Size]byte {
	h := sha1.New()
	h.Write(secret)
	h.Write(challenge)
	var out [sha1.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
