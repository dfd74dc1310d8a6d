// Package crypto holds operator key files, EIP-191 request signatures and
// bearer tokens for treasury callers.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	currentVersion   = 1
)

// keyFile is the on-disk format of an encrypted operator key. Binary fields
// are base64 standard encoding.
type keyFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig says where LoadKey finds a key. A raw key wins over a file.
type KeyConfig struct {
	RawPrivateKey string
	KeyPath       string
	Password      string
}

// GenerateKey creates a secp256k1 key and returns it encrypted under
// password together with its address.
func GenerateKey(password string) ([]byte, common.Address, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("crypto: generate key: %w", err)
	}
	blob, err := EncryptKey(key, password)
	if err != nil {
		return nil, common.Address{}, err
	}
	return blob, ethcrypto.PubkeyToAddress(key.PublicKey), nil
}

// EncryptKey seals key with AES-256-GCM under a PBKDF2-HMAC-SHA256 key
// derived from password.
func EncryptKey(key *ecdsa.PrivateKey, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := keyFile{
		Version:    currentVersion,
		Address:    ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, ethcrypto.FromECDSA(key), nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// DecryptKey opens a blob produced by EncryptKey.
func DecryptKey(blob []byte, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	var stored keyFile
	if err := json.Unmarshal(blob, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parsing key file: %w", err)
	}
	if stored.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported key file version %d", stored.Version)
	}

	var fields [3][]byte
	for i, s := range []string{stored.Salt, stored.Nonce, stored.Ciphertext} {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("crypto: decoding key file: %w", err)
		}
		fields[i] = b
	}
	salt, nonce, ciphertext := fields[0], fields[1], fields[2]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: bad nonce length %d", len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	key, err := ethcrypto.ToECDSA(plaintext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoded key: %w", err)
	}
	if stored.Address != "" && !strings.EqualFold(stored.Address, ethcrypto.PubkeyToAddress(key.PublicKey).Hex()) {
		return nil, errors.New("crypto: key file address does not match key")
	}
	return key, nil
}

// LoadKey resolves a private key from cfg.
func LoadKey(cfg KeyConfig) (*ecdsa.PrivateKey, error) {
	if cfg.RawPrivateKey != "" {
		raw, err := hex.DecodeString(strings.TrimPrefix(cfg.RawPrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("crypto: raw private key is not valid hex: %w", err)
		}
		key, err := ethcrypto.ToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("crypto: raw private key: %w", err)
		}
		return key, nil
	}
	if cfg.KeyPath != "" {
		data, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: reading key file: %w", err)
		}
		return DecryptKey(data, cfg.Password)
	}
	return nil, errors.New("crypto: no private key source configured")
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
