package crypto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyDetached(t *testing.T) {
	keyPEM, certPEM, err := GenerateSelfSigned("packs", 2048)
	require.NoError(t, err)
	payload := []byte(`{"packId":"core","version":"1.0.0"}`)

	j, err := SignDetachedJWS(payload, keyPEM, certPEM)
	require.NoError(t, err)
	assert.Empty(t, j.Payload)

	raw, err := json.Marshal(j)
	require.NoError(t, err)
	parsed, err := ParseDetachedJWS(raw)
	require.NoError(t, err)

	require.NoError(t, VerifyDetachedJWS(payload, parsed, certPEM))
	assert.Error(t, VerifyDetachedJWS([]byte("tampered"), parsed, certPEM))

	pool, n, err := LoadCertPool(certPEM)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	leaf, err := VerifyDetachedJWSWithX5C(payload, parsed, pool)
	require.NoError(t, err)
	assert.Equal(t, "packs", leaf.Subject.CommonName)

	_, err = VerifyDetachedJWSWithX5C(append(payload, ' '), parsed, pool)
	assert.Error(t, err)
}

func TestX5CRejectsUntrustedSigner(t *testing.T) {
	keyPEM, certPEM, err := GenerateSelfSigned("rogue", 2048)
	require.NoError(t, err)
	_, trustedPEM, err := GenerateSelfSigned("trusted", 2048)
	require.NoError(t, err)

	payload := []byte("data")
	j, err := SignDetachedJWS(payload, keyPEM, certPEM)
	require.NoError(t, err)
	pool, _, err := LoadCertPool(trustedPEM)
	require.NoError(t, err)
	_, err = VerifyDetachedJWSWithX5C(payload, j, pool)
	assert.Error(t, err)
}

func TestX5CRequiresChain(t *testing.T) {
	keyPEM, certPEM, err := GenerateSelfSigned("nochain", 2048)
	require.NoError(t, err)
	j, err := SignDetachedJWS([]byte("x"), keyPEM)
	require.NoError(t, err)
	pool, _, err := LoadCertPool(certPEM)
	require.NoError(t, err)
	_, err = VerifyDetachedJWSWithX5C([]byte("x"), j, pool)
	assert.Error(t, err)
	assert.NoError(t, VerifyDetachedJWS([]byte("x"), j, certPEM))
}

func TestParseDetachedJWSRejectsIncomplete(t *testing.T) {
	_, err := ParseDetachedJWS([]byte(`{"protected":"abc"}`))
	assert.Error(t, err)
	_, err = ParseDetachedJWS([]byte(`not json`))
	assert.Error(t, err)
}
