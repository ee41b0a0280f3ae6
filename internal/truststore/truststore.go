// Package truststore maps AP2 issuers to their verification keys.
// The material is loaded once from a configured JSON source; lookups
// never touch the network.
package truststore

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrIssuerUnknown means the issuer has no entry in the truststore.
	ErrIssuerUnknown = errors.New("issuer unknown")
	// ErrKeyUnknown means the issuer exists but the kid does not.
	ErrKeyUnknown = errors.New("key unknown")
)

// Supported JWS algorithms. Anything else is rejected at load time.
var supportedAlgs = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"ES256": true, "ES384": true, "ES512": true,
}

// Key is one verification key for an issuer.
type Key struct {
	KeyID     string
	Algorithm string
	Public    crypto.PublicKey
}

// Truststore is the in-memory issuer → keys view. Reads take the shared
// lock; Reload swaps the whole map under the write lock.
type Truststore struct {
	mu      sync.RWMutex
	issuers map[string]map[string]Key // issuer -> kid -> key
	source  string
	logger  *log.Logger
}

// fileFormat is the on-disk shape of the truststore source.
type fileFormat struct {
	Issuers map[string]struct {
		Keys []struct {
			Kid       string `json:"kid"`
			Alg       string `json:"alg"`
			PublicPEM string `json:"public_key_pem"`
		} `json:"keys"`
	} `json:"issuers"`
}

// Load reads and parses the truststore source file.
func Load(source string) (*Truststore, error) {
	ts := &Truststore{
		issuers: make(map[string]map[string]Key),
		source:  source,
		logger:  log.New(log.Writer(), "[TRUSTSTORE] ", log.LstdFlags),
	}
	if source == "" {
		// Empty truststore: every AP2 verification fails with ISSUER_UNKNOWN.
		return ts, nil
	}
	if err := ts.Reload(); err != nil {
		return nil, err
	}
	return ts, nil
}

// NewStatic builds a truststore from already-parsed keys. Used by tests
// and by callers that manage key material themselves.
func NewStatic(entries map[string][]Key) *Truststore {
	issuers := make(map[string]map[string]Key, len(entries))
	for issuer, keys := range entries {
		byKid := make(map[string]Key, len(keys))
		for _, k := range keys {
			byKid[k.KeyID] = k
		}
		issuers[issuer] = byKid
	}
	return &Truststore{
		issuers: issuers,
		logger:  log.New(log.Writer(), "[TRUSTSTORE] ", log.LstdFlags),
	}
}

// Reload re-reads the source file and atomically replaces the view.
func (ts *Truststore) Reload() error {
	raw, err := os.ReadFile(ts.source)
	if err != nil {
		return fmt.Errorf("read truststore source: %w", err)
	}
	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return fmt.Errorf("parse truststore source: %w", err)
	}

	issuers := make(map[string]map[string]Key, len(ff.Issuers))
	for issuer, entry := range ff.Issuers {
		byKid := make(map[string]Key, len(entry.Keys))
		for _, k := range entry.Keys {
			if !supportedAlgs[k.Alg] {
				return fmt.Errorf("issuer %s key %s: unsupported alg %q", issuer, k.Kid, k.Alg)
			}
			pub, err := parsePublicKey(k.Alg, []byte(k.PublicPEM))
			if err != nil {
				return fmt.Errorf("issuer %s key %s: %w", issuer, k.Kid, err)
			}
			byKid[k.Kid] = Key{KeyID: k.Kid, Algorithm: k.Alg, Public: pub}
		}
		issuers[issuer] = byKid
	}

	ts.mu.Lock()
	ts.issuers = issuers
	ts.mu.Unlock()
	ts.logger.Printf("Loaded %d issuer(s) from %s", len(issuers), ts.source)
	return nil
}

// Lookup returns the verification key for (issuer, kid).
func (ts *Truststore) Lookup(issuer, kid string) (Key, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	byKid, ok := ts.issuers[issuer]
	if !ok {
		return Key{}, fmt.Errorf("issuer %q: %w", issuer, ErrIssuerUnknown)
	}
	key, ok := byKid[kid]
	if !ok {
		return Key{}, fmt.Errorf("issuer %q kid %q: %w", issuer, kid, ErrKeyUnknown)
	}
	return key, nil
}

// Issuers returns the known issuer identifiers (diagnostics only).
func (ts *Truststore) Issuers() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]string, 0, len(ts.issuers))
	for issuer := range ts.issuers {
		out = append(out, issuer)
	}
	return out
}

func parsePublicKey(alg string, pemBytes []byte) (crypto.PublicKey, error) {
	switch alg[:2] {
	case "RS":
		return jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	case "ES":
		return jwt.ParseECPublicKeyFromPEM(pemBytes)
	default:
		return nil, fmt.Errorf("unsupported alg family %q", alg)
	}
}
