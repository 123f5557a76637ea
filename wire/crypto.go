package wire

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// NetworkKeySize is the AES-128 key length. Pre-shared keys of any
// length are truncated or zero-padded to this size.
const NetworkKeySize = 16

// NormalizeKey truncates or zero-pads a pre-shared key to 16 bytes
func NormalizeKey(key []byte) []byte {
	normalized := make([]byte, NetworkKeySize)
	copy(normalized, key)
	return normalized
}

// EncryptPayload encrypts an inner record with AES-128-CBC and PKCS#7
// padding. The IV is the datagram's 16-byte message id, so a relay that
// re-encrypts the same record produces the same ciphertext and the
// duplicate key stays valid across the network.
func EncryptPayload(plaintext, networkKey []byte, iv [16]byte) ([]byte, error) {
	block, err := aes.NewCipher(NormalizeKey(networkKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))

	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// DecryptPayload reverses EncryptPayload. Any structural problem with
// the ciphertext or its padding returns ErrDecryptFailed. A wrong
// network key usually surfaces the same way because the padding check
// fails; when the wrongly decrypted bytes happen to end in valid
// padding (about one time in 256), they are returned without an error
// and only the record parse rejects them.
func DecryptPayload(ciphertext, networkKey []byte, iv [16]byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrDecryptFailed, len(ciphertext))
	}

	block, err := aes.NewCipher(NormalizeKey(networkKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	return unpadded, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: bad plaintext length %d", ErrDecryptFailed, len(data))
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("%w: bad padding length %d", ErrDecryptFailed, padLen)
	}

	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("%w: inconsistent padding", ErrDecryptFailed)
		}
	}

	return data[:len(data)-padLen], nil
}
