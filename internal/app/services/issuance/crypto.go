package issuance

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

// Assembly errors, one per sub-step so diagnostics can localize the faulty
// stage. All of them are terminal for the request.
var (
	ErrKeyGeneration     = errors.New("key pair generation failed")
	ErrDEKDecoding       = errors.New("data encryption key decoding failed")
	ErrDEKDecryption     = errors.New("data encryption key decryption failed")
	ErrPayloadDecoding   = errors.New("certificate payload decoding failed")
	ErrPayloadDecryption = errors.New("certificate payload decryption failed")
	ErrPayloadParsing    = errors.New("certificate payload parsing failed")
)

const rsaKeyBits = 3072

// GenerateKeyPEM creates a fresh RSA key pair and returns the private key in
// PKCS#8 PEM form. One key pair is generated per issuance request and reused
// across restarts.
func GenerateKeyPEM() (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// PublicKeyPEM derives the PEM-encoded public half from a private key PEM.
func PublicKeyPEM(privateKeyPEM string) (string, error) {
	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

func parsePrivateKey(privateKeyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

// DecryptDataKey unwraps the base64 data encryption key with the request's
// private key (RSA-OAEP over SHA-256).
func DecryptDataKey(privateKeyPEM, dekBase64 string) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(dekBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDEKDecoding, err)
	}
	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDEKDecryption, err)
	}
	dek, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDEKDecryption, err)
	}
	return dek, nil
}

// DecryptPayload decodes and decrypts the base64 certificate payload with the
// unwrapped data key. The issuance protocol fixes AES-256-CBC with an all
// zero IV: the key is single-use, so the IV carries no entropy.
func DecryptPayload(dek []byte, payloadBase64 string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(payloadBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadDecoding, err)
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadDecryption, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block aligned", ErrPayloadDecryption)
	}

	iv := make([]byte, aes.BlockSize)
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	plaintext, err = stripPKCS7(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadDecryption, err)
	}
	return plaintext, nil
}

// EncryptPayload is the server-side counterpart of DecryptPayload. Used by
// tests and local fixtures.
func EncryptPayload(dek, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return "", err
	}

	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+padLen)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	iv := make([]byte, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// WrapDataKey is the server-side counterpart of DecryptDataKey. Used by
// tests and local fixtures.
func WrapDataKey(publicKeyPEM string, dek []byte) (string, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return "", errors.New("no PEM block in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return "", errors.New("public key is not RSA")
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, dek, nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

func stripPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
