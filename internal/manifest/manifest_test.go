package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/crypto"
)

func TestBuildSignVerify(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "stage1.bin")
	receipt := filepath.Join(dir, "receipt.json")
	require.NoError(t, os.WriteFile(out, []byte{1, 2, 3}, 0o644))
	require.NoError(t, os.WriteFile(receipt, []byte(`{}`), 0o644))

	m, err := Build([]string{out, receipt})
	require.NoError(t, err)
	require.Len(t, m.Items, 2)
	assert.Equal(t, "firmware", m.Items[0].Type)
	assert.Equal(t, "json", m.Items[1].Type)
	assert.EqualValues(t, 3, m.Items[0].Size)
	require.NoError(t, m.Check())

	keyPEM, certPEM, err := crypto.GenerateSelfSigned("delivery", 2048)
	require.NoError(t, err)
	mpath := filepath.Join(dir, "MANIFEST.json")
	require.NoError(t, Sign(m, mpath, keyPEM, certPEM))
	require.NoError(t, VerifySignature(mpath, certPEM))

	loaded, _, err := Load(mpath)
	require.NoError(t, err)
	require.NotNil(t, loaded.Signature)
	assert.Contains(t, loaded.Signature.CertSubject, "delivery")

	require.NoError(t, os.WriteFile(out, []byte{9, 9, 9}, 0o644))
	assert.Error(t, loaded.Check())

	data, err := os.ReadFile(mpath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(mpath, append(data, ' '), 0o644))
	assert.Error(t, VerifySignature(mpath, certPEM))
}

func TestItemFromBytes(t *testing.T) {
	it := ItemFromBytes("outputs/j.bin", []byte("abc"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", it.Sha256)
	assert.Equal(t, "firmware", it.Type)
	assert.EqualValues(t, 3, it.Size)
}
