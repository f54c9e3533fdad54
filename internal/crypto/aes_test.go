package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encryptCBC(t *testing.T, plaintext, key, iv []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plaintext)
	return out
}

func TestDecrypt_RoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := []byte("fedcba9876543210")

	cases := []struct {
		name      string
		plaintext []byte
	}{
		{"single block", []byte("HelloHelloHelloH")},
		{"two blocks", []byte("0123456789abcdef0123456789abcdef")},
		{"empty", []byte{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ct := encryptCBC(t, tc.plaintext, key, iv)
			got := Decrypt(ct, key, iv, true)
			assert.Equal(t, tc.plaintext, got)
		})
	}
}

func TestDecrypt_NonBlockMultiple(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := make([]byte, 16)

	// 20 bytes of ciphertext: decrypt pads to 32, returns 20.
	ct := make([]byte, 20)
	for i := range ct {
		ct[i] = byte(i)
	}

	got := Decrypt(ct, key, iv, true)
	assert.Len(t, got, 20)
}

func TestDecrypt_NonLastBlockKeepsFullBuffer(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := make([]byte, 16)
	plaintext := []byte("0123456789abcdef0123456789abcdef")

	ct := encryptCBC(t, plaintext, key, iv)
	got := Decrypt(ct, key, iv, false)
	assert.Equal(t, plaintext, got)
	assert.Len(t, got, 32)
}

func TestDecrypt_FailOpen(t *testing.T) {
	ct := []byte("some ciphertext bytes")

	t.Run("short key", func(t *testing.T) {
		got := Decrypt(ct, []byte("short"), make([]byte, 16), true)
		assert.Equal(t, ct, got)
	})

	t.Run("short iv", func(t *testing.T) {
		got := Decrypt(ct, make([]byte, 16), []byte("bad"), true)
		assert.Equal(t, ct, got)
	})

	t.Run("nil key and iv", func(t *testing.T) {
		got := Decrypt(ct, nil, nil, true)
		assert.Equal(t, ct, got)
	})
}
