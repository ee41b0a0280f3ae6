package truststore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publicPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func writeSource(t *testing.T, content map[string]interface{}) string {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "truststore.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestLoad_FromFile(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	path := writeSource(t, map[string]interface{}{
		"issuers": map[string]interface{}{
			"did:web:bank.example": map[string]interface{}{
				"keys": []map[string]string{
					{"kid": "k1", "alg": "RS256", "public_key_pem": publicPEM(t, key)},
				},
			},
		},
	})

	ts, err := Load(path)
	require.NoError(t, err)

	got, err := ts.Lookup("did:web:bank.example", "k1")
	require.NoError(t, err)
	assert.Equal(t, "k1", got.KeyID)
	assert.Equal(t, "RS256", got.Algorithm)
	require.IsType(t, &rsa.PublicKey{}, got.Public)
	assert.Equal(t, key.PublicKey.N, got.Public.(*rsa.PublicKey).N)

	assert.Equal(t, []string{"did:web:bank.example"}, ts.Issuers())
}

func TestLoad_EmptySourceIsEmptyStore(t *testing.T) {
	ts, err := Load("")
	require.NoError(t, err)

	_, err = ts.Lookup("did:web:bank.example", "k1")
	assert.ErrorIs(t, err, ErrIssuerUnknown)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoad_RejectsUnsupportedAlg(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	path := writeSource(t, map[string]interface{}{
		"issuers": map[string]interface{}{
			"did:web:bank.example": map[string]interface{}{
				"keys": []map[string]string{
					{"kid": "k1", "alg": "HS256", "public_key_pem": publicPEM(t, key)},
				},
			},
		},
	})

	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported alg")
}

func TestLoad_RejectsBadPEM(t *testing.T) {
	path := writeSource(t, map[string]interface{}{
		"issuers": map[string]interface{}{
			"did:web:bank.example": map[string]interface{}{
				"keys": []map[string]string{
					{"kid": "k1", "alg": "RS256", "public_key_pem": "not pem"},
				},
			},
		},
	})

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLookup_Sentinels(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ts := NewStatic(map[string][]Key{
		"did:web:bank.example": {{KeyID: "k1", Algorithm: "RS256", Public: &key.PublicKey}},
	})

	_, err = ts.Lookup("did:web:other.example", "k1")
	assert.ErrorIs(t, err, ErrIssuerUnknown)

	_, err = ts.Lookup("did:web:bank.example", "k2")
	assert.ErrorIs(t, err, ErrKeyUnknown)
}

func TestReload_SwapsView(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemStr := publicPEM(t, key)

	path := writeSource(t, map[string]interface{}{
		"issuers": map[string]interface{}{
			"did:web:bank.example": map[string]interface{}{
				"keys": []map[string]string{{"kid": "k1", "alg": "RS256", "public_key_pem": pemStr}},
			},
		},
	})
	ts, err := Load(path)
	require.NoError(t, err)

	// Rotate: k1 disappears, k2 appears.
	raw, err := json.Marshal(map[string]interface{}{
		"issuers": map[string]interface{}{
			"did:web:bank.example": map[string]interface{}{
				"keys": []map[string]string{{"kid": "k2", "alg": "RS256", "public_key_pem": pemStr}},
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	require.NoError(t, ts.Reload())

	_, err = ts.Lookup("did:web:bank.example", "k1")
	assert.ErrorIs(t, err, ErrKeyUnknown)
	_, err = ts.Lookup("did:web:bank.example", "k2")
	assert.NoError(t, err)
}
