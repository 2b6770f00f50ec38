package crypto_test

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESGCMFromBase64Key_Valid(t *testing.T) {
	enc, err := crypto.NewAESGCMFromBase64Key(testKey(t))
	require.NoError(t, err)
	assert.NotNil(t, enc)
}

func TestNewAESGCMFromBase64Key_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"not base64", "%%%not-base64%%%"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := crypto.NewAESGCMFromBase64Key(tt.key)
			assert.ErrorIs(t, err, crypto.ErrInvalidKey)
		})
	}
}

func TestAESEncrypter_RoundTrip(t *testing.T) {
	enc, err := crypto.NewAESGCMFromBase64Key(testKey(t))
	require.NoError(t, err)

	plaintext := []byte("ya29.a0AfH6SMC-access-token")

	ciphertext, err := enc.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestAESEncrypter_UniqueNonces(t *testing.T) {
	enc, err := crypto.NewAESGCMFromBase64Key(testKey(t))
	require.NoError(t, err)

	a, err := enc.Encrypt([]byte("same input"))
	require.NoError(t, err)
	b, err := enc.Encrypt([]byte("same input"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestAESEncrypter_Decrypt_Tampered(t *testing.T) {
	enc, err := crypto.NewAESGCMFromBase64Key(testKey(t))
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt([]byte("secret"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xff
	_, err = enc.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestAESEncrypter_Decrypt_TooShort(t *testing.T) {
	enc, err := crypto.NewAESGCMFromBase64Key(testKey(t))
	require.NoError(t, err)

	_, err = enc.Decrypt([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestAESEncrypter_DifferentKeys(t *testing.T) {
	enc1, err := crypto.NewAESGCMFromBase64Key(testKey(t))
	require.NoError(t, err)
	enc2, err := crypto.NewAESGCMFromBase64Key(testKey(t))
	require.NoError(t, err)

	ciphertext, err := enc1.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = enc2.Decrypt(ciphertext)
	assert.Error(t, err)
}
