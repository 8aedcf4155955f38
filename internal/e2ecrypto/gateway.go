// Package e2ecrypto implements the primitives clients use for end-to-end
// encryption: RSA-OAEP key wrapping, AES-256-CFB payload encryption and
// RSA-PSS signatures. The server only generates keypairs at registration;
// everything else is exercised by clients and tests.
package e2ecrypto

import (
	"crypto"
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

const (
	AESKeySize = 32

	pemPublicKey  = "PUBLIC KEY"
	pemPrivateKey = "PRIVATE KEY"
)

var (
	ErrInvalidPEM       = errors.New("invalid PEM block")
	ErrNotRSAKey        = errors.New("key is not RSA")
	ErrInvalidSignature = errors.New("signature verification failed")
)

type KeyPair struct {
	PublicKeyPEM  string
	PrivateKeyPEM string
}

// Ciphertext is the {iv, ciphertext} pair produced by EncryptAES, both base64.
type Ciphertext struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

type Gateway struct {
	keyBits int
}

func NewGateway(keyBits int) *Gateway {
	return &Gateway{keyBits: keyBits}
}

// GenerateKeyPair returns a PKIX public key and a PKCS#8 private key, PEM encoded.
func (g *Gateway) GenerateKeyPair() (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, g.keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	return &KeyPair{
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: pemPublicKey, Bytes: pubDER})),
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: privDER})),
	}, nil
}

func ParsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil || block.Type != pemPublicKey {
		return nil, ErrInvalidPEM
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return rsaKey, nil
}

func ParsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil || block.Type != pemPrivateKey {
		return nil, ErrInvalidPEM
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return rsaKey, nil
}

// EncryptRSA wraps plaintext (normally an AES key) with RSA-OAEP/SHA-256.
func EncryptRSA(publicKeyPEM string, plaintext []byte) (string, error) {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return "", err
	}
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return "", fmt.Errorf("rsa encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func DecryptRSA(privateKeyPEM, encoded string) ([]byte, error) {
	priv, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa decrypt: %w", err)
	}
	return out, nil
}

func GenerateAESKey() ([]byte, error) {
	key := make([]byte, AESKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptAES encrypts with AES-256-CFB under a fresh random IV.
func EncryptAES(key, plaintext []byte) (*Ciphertext, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(out, plaintext)

	return &Ciphertext{
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(out),
	}, nil
}

func DecryptAES(key []byte, ct *Ciphertext) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ct.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv must be %d bytes", aes.BlockSize)
	}
	data, err := base64.StdEncoding.DecodeString(ct.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	out := make([]byte, len(data))
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(out, data)
	return out, nil
}

// Sign produces a base64 RSA-PSS/SHA-256 signature over data.
func Sign(privateKeyPEM string, data []byte) (string, error) {
	priv, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func Verify(publicKeyPEM string, data []byte, signature string) error {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	}); err != nil {
		return ErrInvalidSignature
	}
	return nil
}
