// Package crypto implements the node's secure-channel primitives: a
// P-256 ECDH keypair, HKDF-SHA256 shared-secret derivation, and an
// AES-CFB record cipher for interest/data packet payloads.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyPair is a node's ECDH identity, generated fresh at process start
// (never persisted - spec requires no certificate authority and no
// long-lived device key).
type KeyPair struct {
	Priv *ecdh.PrivateKey
	Pub  *ecdh.PublicKey
}

// GenerateKeyPair creates a fresh P-256 ECDH keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Priv: priv, Pub: priv.PublicKey()}, nil
}

// EncodePublicKeyPEM renders pub as a PEM-encoded SubjectPublicKeyInfo,
// the form advertised in every discovery packet.
func EncodePublicKeyPEM(pub *ecdh.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// DecodePublicKeyPEM parses the PEM-encoded SubjectPublicKeyInfo carried
// in a peer's discovery packet.
func DecodePublicKeyPEM(pemStr string) (*ecdh.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("crypto: invalid PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	// x509 yields *ecdsa.PublicKey for NIST-curve keys; convert it.
	var ecdhPub *ecdh.PublicKey
	switch k := pub.(type) {
	case *ecdh.PublicKey:
		ecdhPub = k
	case *ecdsa.PublicKey:
		if ecdhPub, err = k.ECDH(); err != nil {
			return nil, err
		}
	}
	if ecdhPub == nil || ecdhPub.Curve() != ecdh.P256() {
		return nil, errors.New("crypto: not a P-256 ECDH public key")
	}
	return ecdhPub, nil
}

// DeriveSharedSecret runs ECDH with the peer's public key then HKDF-SHA256
// (empty salt, empty info, 32-byte output) to derive the AES-256 record
// key shared with that peer.
func DeriveSharedSecret(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	raw, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, err
	}
	hk := hkdf.New(sha256.New, raw, nil, nil)
	key := make([]byte, 32)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals plaintext under key with AES-CFB and a fresh random
// 16-byte IV, returning base64(IV || ciphertext) as the packet wants on
// the wire.
func Encrypt(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(ciphertext, plaintext)

	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. A truncated or corrupt ciphertext, or a
// base64 decode failure, is reported as an error; the caller MUST drop
// the packet without removing the peer's shared secret.
func Decrypt(key []byte, b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(raw) < aes.BlockSize {
		return nil, errors.New("crypto: ciphertext shorter than IV")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv, ciphertext := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
