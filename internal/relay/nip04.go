package relay

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// SharedSecret is the x coordinate of the ECDH point between our private key
// and the peer's x-only public key.
func (k *Keys) SharedSecret(peerHex string) ([]byte, error) {
	raw, err := hex.DecodeString(peerHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("invalid peer public key %q", peerHex)
	}
	pub, err := btcec.ParsePubKey(append([]byte{0x02}, raw...))
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}
	return btcec.GenerateSharedSecret(k.priv, pub), nil
}

// Encrypt produces NIP-04 content: base64(ciphertext) + "?iv=" + base64(iv).
func (k *Keys) Encrypt(peerHex, plaintext string) (string, error) {
	key, err := k.SharedSecret(peerHex)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

func (k *Keys) Decrypt(peerHex, content string) (string, error) {
	body, ivPart, ok := strings.Cut(content, "?iv=")
	if !ok {
		return "", fmt.Errorf("decrypt: missing iv")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("decrypt: decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("decrypt: invalid iv")
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("decrypt: ciphertext is not a multiple of the block size")
	}

	key, err := k.SharedSecret(peerHex)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)

	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

func pkcs7Pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size || n > len(data) {
		return nil, fmt.Errorf("bad padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("bad padding")
		}
	}
	return data[:len(data)-n], nil
}
