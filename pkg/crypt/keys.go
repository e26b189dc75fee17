package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/cespare/xxhash"
	"github.com/rakutentech/jwk-go/jwk"
)

// KeyID derives a short stable identifier from a public key.
func KeyID(publicKey *ecdsa.PublicKey) string {
	xxxHash := xxhash.New()
	xxxHash.Write(publicKey.X.Bytes())
	xxxHash.Write(publicKey.Y.Bytes())
	return base58.Encode(xxxHash.Sum(nil))
}

func toJWK(key interface{}, keyID string) ([]byte, error) {
	rawJWK, err := jwk.NewSpec(key).ToJWK()
	if err != nil {
		return nil, fmt.Errorf("creating JWK: %w", err)
	}

	rawJWK.Use = "sig"
	rawJWK.Alg = "ES256"
	rawJWK.Kid = keyID

	keyData, err := rawJWK.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshalling JWK: %w", err)
	}
	return keyData, nil
}

// EncodePublicKey returns the JWK JSON of publicKey.
func EncodePublicKey(publicKey *ecdsa.PublicKey) ([]byte, error) {
	return toJWK(publicKey, KeyID(publicKey))
}

// EncodePrivateKey serialises privateKey as a JWK. With a passphrase the JWK
// is sealed with AES-GCM and stored as "nonce.ciphertext".
func EncodePrivateKey(privateKey *ecdsa.PrivateKey, passphrase string) (string, error) {
	keyData, err := toJWK(privateKey, KeyID(&privateKey.PublicKey))
	if err != nil {
		return "", err
	}
	if passphrase == "" {
		return string(keyData), nil
	}

	aesgcm, err := passphraseCipher(passphrase)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("creating AES nonce: %w", err)
	}

	ciphertext := aesgcm.Seal(nil, nonce, keyData, nil)
	sb := strings.Builder{}
	sb.WriteString(base64.StdEncoding.EncodeToString(nonce))
	sb.WriteRune('.')
	sb.WriteString(base64.StdEncoding.EncodeToString(ciphertext))

	return sb.String(), nil
}

func DecodePrivateKey(encoded string, passphrase string) (*ecdsa.PrivateKey, error) {
	keyData := []byte(strings.TrimSpace(encoded))
	if passphrase != "" {
		nonceText, cipherText, ok := strings.Cut(string(keyData), ".")
		if !ok {
			return nil, errors.New("decoding private key: not sealed")
		}
		nonce, err := base64.StdEncoding.DecodeString(nonceText)
		if err != nil {
			return nil, fmt.Errorf("decoding AES nonce: %w", err)
		}
		sealed, err := base64.StdEncoding.DecodeString(cipherText)
		if err != nil {
			return nil, fmt.Errorf("decoding private key: %w", err)
		}
		aesgcm, err := passphraseCipher(passphrase)
		if err != nil {
			return nil, err
		}
		if len(nonce) != aesgcm.NonceSize() {
			return nil, errors.New("decoding private key: bad nonce")
		}
		keyData, err = aesgcm.Open(nil, nonce, sealed, nil)
		if err != nil {
			return nil, fmt.Errorf("unsealing private key: %w", err)
		}
	}

	keySpec, err := jwk.Parse(string(keyData))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	privateKey, ok := keySpec.Key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parsing private key: unexpected key type %T", keySpec.Key)
	}
	return privateKey, nil
}

func passphraseCipher(passphrase string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM cipher: %w", err)
	}
	return aesgcm, nil
}

// LoadOrCreateSigningKey reads the P-256 key at path, generating and saving
// a new one when the file does not exist.
func LoadOrCreateSigningKey(path string, passphrase string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return DecodePrivateKey(string(data), passphrase)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	encoded, err := EncodePrivateKey(privateKey, passphrase)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("writing signing key: %w", err)
	}
	return privateKey, nil
}
