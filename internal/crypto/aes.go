// Package crypto implements AES-128-CBC segment decryption for HLS media.
//
// Decryption is stream-oriented and fail-open: feeds occasionally ship
// truncated final blocks or bogus key material, and best-effort output is
// preferred to aborting the whole download.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"log/slog"
)

// KeySize is the required key and IV length in bytes.
const KeySize = 16

// Decrypt decrypts ciphertext with AES-128-CBC. Ciphertext of any length
// is accepted: it is zero-padded up to the next block boundary before
// decryption. When lastBlock is set the result is truncated back to the
// original ciphertext length; otherwise the full decrypted buffer is
// returned and the caller re-assembles.
//
// Invalid key or IV lengths do not fail the call: the ciphertext is
// returned unchanged and a warning is logged.
func Decrypt(ciphertext, key, iv []byte, lastBlock bool) []byte {
	if len(key) != KeySize {
		slog.Warn("invalid AES key length, passing segment through",
			slog.Int("key_len", len(key)))
		return ciphertext
	}
	if len(iv) != KeySize {
		slog.Warn("invalid AES IV length, passing segment through",
			slog.Int("iv_len", len(iv)))
		return ciphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		// Unreachable with a 16-byte key, but keep the fail-open contract.
		slog.Warn("cipher init failed, passing segment through",
			slog.String("error", err.Error()))
		return ciphertext
	}

	padded := ciphertext
	if rem := len(ciphertext) % aes.BlockSize; rem != 0 {
		padded = make([]byte, len(ciphertext)+aes.BlockSize-rem)
		copy(padded, ciphertext)
	}

	plaintext := make([]byte, len(padded))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, padded)

	if lastBlock {
		return plaintext[:len(ciphertext)]
	}
	return plaintext
}
