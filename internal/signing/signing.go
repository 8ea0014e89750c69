// Package signing signs outgoing webhook notifications with Ed25519 so a
// receiver can check that a message came from this host and was not replayed.
//
// The signed bytes are "<timestamp>.<nonce>.<body>". The signature, timestamp
// and nonce travel in the X-Qmoi-* headers.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderSignature = "X-Qmoi-Signature"
	HeaderTimestamp = "X-Qmoi-Timestamp"
	HeaderNonce     = "X-Qmoi-Nonce"
)

// MaxTimestampAge is how far a signed timestamp may drift from the verifier's clock.
const MaxTimestampAge = 5 * time.Minute

// Signer attaches signatures to request bodies.
type Signer struct {
	key   ed25519.PrivateKey
	now   func() time.Time
	nonce func() string
}

// NewSigner creates a Signer for key.
func NewSigner(key ed25519.PrivateKey) *Signer {
	return &Signer{key: key, now: time.Now, nonce: uuid.NewString}
}

// PublicKey returns the key receivers verify with.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Sign sets the signature headers on h for body.
func (s *Signer) Sign(h http.Header, body []byte) {
	ts := s.now().Unix()
	nonce := s.nonce()
	sig := ed25519.Sign(s.key, canonical(ts, nonce, body))

	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderNonce, nonce)
	h.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
}

func canonical(ts int64, nonce string, body []byte) []byte {
	prefix := strconv.FormatInt(ts, 10) + "." + nonce + "."
	return append([]byte(prefix), body...)
}

// Verifier checks signed requests and rejects replayed nonces.
type Verifier struct {
	pubKey ed25519.PublicKey
	nonces *NonceStore
	now    func() time.Time
}

// NewVerifier creates a Verifier for pubKey.
func NewVerifier(pubKey ed25519.PublicKey) *Verifier {
	return &Verifier{
		pubKey: pubKey,
		nonces: NewNonceStore(MaxTimestampAge * 2),
		now:    time.Now,
	}
}

// Verify checks the headers in h against body.
func (v *Verifier) Verify(h http.Header, body []byte) error {
	sigText := h.Get(HeaderSignature)
	nonce := h.Get(HeaderNonce)
	if sigText == "" {
		return errors.New("missing signature")
	}
	if nonce == "" {
		return errors.New("missing nonce")
	}
	ts, err := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > MaxTimestampAge {
		return fmt.Errorf("timestamp outside window: age=%s, max=%s", age.Round(time.Second), MaxTimestampAge)
	}

	sig, err := decode(sigText)
	if err != nil {
		return errors.New("invalid signature encoding")
	}
	if !ed25519.Verify(v.pubKey, canonical(ts, nonce, body), sig) {
		return errors.New("signature verification failed")
	}
	// Record the nonce only for authentic requests so forgeries cannot burn it.
	if !v.nonces.Add(nonce) {
		return errors.New("duplicate nonce (replay detected)")
	}
	return nil
}

// ParsePrivateKey decodes a hex or base64 Ed25519 key: either the 32-byte
// seed or the 64-byte private key.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	b, err := decodeKey(s)
	if err != nil {
		return nil, err
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	}
	return nil, fmt.Errorf("invalid private key: %d bytes, want %d or %d", len(b), ed25519.SeedSize, ed25519.PrivateKeySize)
}

// ParsePublicKey decodes a hex or base64 Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := decodeKey(s)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key: %d bytes, want %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty key")
	}
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := decode(s); err == nil {
		return b, nil
	}
	return nil, errors.New("key must be hex or base64 encoded")
}

func decode(s string) ([]byte, error) {
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		var b []byte
		if b, err = enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, err
}

// NonceStore tracks seen nonces with TTL-based expiration.
type NonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	ttl    time.Duration
	lastGC time.Time
}

func NewNonceStore(ttl time.Duration) *NonceStore {
	return &NonceStore{
		nonces: make(map[string]time.Time),
		ttl:    ttl,
		lastGC: time.Now(),
	}
}

// Add records nonce and reports whether it was new.
func (ns *NonceStore) Add(nonce string) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	now := time.Now()
	if now.Sub(ns.lastGC) > ns.ttl {
		for k, t := range ns.nonces {
			if now.Sub(t) > ns.ttl {
				delete(ns.nonces, k)
			}
		}
		ns.lastGC = now
	}

	if _, exists := ns.nonces[nonce]; exists {
		return false
	}
	ns.nonces[nonce] = now
	return true
}
