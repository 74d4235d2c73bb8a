package principal

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet manages active signing keys and verification of recently
// rotated keys, so tokens issued just before a rotation still verify.
type KeySet interface {
	// Sign creates a signed token with the current active key.
	Sign(claims jwt.Claims) (string, error)
	// KeyFunc returns the verification key for a token, resolved by kid.
	KeyFunc() jwt.Keyfunc
}

const maxRetainedKeys = 10

// InMemoryKeySet holds Ed25519 keys in memory with bounded history.
type InMemoryKeySet struct {
	mu         sync.RWMutex
	currentKID string
	order      []string
	keys       map[string]ed25519.PrivateKey
}

// NewInMemoryKeySet creates a key set with one freshly generated key.
func NewInMemoryKeySet() (*InMemoryKeySet, error) {
	ks := &InMemoryKeySet{keys: make(map[string]ed25519.PrivateKey)}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Rotate generates a new signing key and makes it current, evicting
// the oldest retained key once the bound is exceeded.
func (ks *InMemoryKeySet) Rotate() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("principal: key generation failed: %w", err)
	}

	kid := fmt.Sprintf("key-%d", time.Now().UnixNano())
	ks.keys[kid] = priv
	ks.order = append(ks.order, kid)
	ks.currentKID = kid

	for len(ks.order) > maxRetainedKeys {
		evict := ks.order[0]
		ks.order = ks.order[1:]
		delete(ks.keys, evict)
	}
	return nil
}

func (ks *InMemoryKeySet) Sign(claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	key := ks.keys[ks.currentKID]
	kid := ks.currentKID
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("principal: no active signing key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *InMemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("principal: unexpected signing method %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("principal: missing kid in token header")
		}
		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, ok := ks.keys[kid]
		if !ok {
			return nil, fmt.Errorf("principal: unknown kid %q", kid)
		}
		return key.Public(), nil
	}
}
