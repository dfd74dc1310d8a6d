package crypto

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFileRoundTrip(t *testing.T) {
	blob, addr, err := GenerateKey("hunter22")
	require.NoError(t, err)
	assert.Contains(t, string(blob), addr.Hex())

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	key, err := LoadKey(KeyConfig{KeyPath: path, Password: "hunter22"})
	require.NoError(t, err)
	assert.Equal(t, addr, ethcrypto.PubkeyToAddress(key.PublicKey))

	_, err = LoadKey(KeyConfig{KeyPath: path, Password: "wrong"})
	require.Error(t, err)

	_, err = EncryptKey(key, "")
	require.Error(t, err)
}

func TestLoadKey_Raw(t *testing.T) {
	key, err := LoadKey(KeyConfig{RawPrivateKey: "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"})
	require.NoError(t, err)
	assert.Equal(t,
		common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"),
		ethcrypto.PubkeyToAddress(key.PublicKey),
	)

	_, err = LoadKey(KeyConfig{})
	require.Error(t, err)
}

func TestRequestMessage(t *testing.T) {
	msg := string(RequestMessage("post", "/v1/vault/bonds", 1700000000, []byte{}))
	lines := strings.Split(msg, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "POST", lines[0])
	assert.Equal(t, "/v1/vault/bonds", lines[1])
	assert.Equal(t, "1700000000", lines[2])
	// keccak256 of the empty string
	assert.Equal(t, "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", lines[3])
}

func TestSignAndVerifyRequest(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	body := []byte(`{"amount":1000,"collateral_ratio":1.6}`)

	sig, err := SignRequest(key, "POST", "/v1/vault/bonds", 1700000000, body)
	require.NoError(t, err)

	raw, err := hexutil.Decode(sig)
	require.NoError(t, err)
	lowV := append([]byte(nil), raw...)
	lowV[ethcrypto.RecoveryIDOffset] -= 27
	highS := append([]byte(nil), lowV...)
	s := new(big.Int).SetBytes(highS[32:64])
	s.Sub(ethcrypto.S256().Params().N, s)
	s.FillBytes(highS[32:64])
	highS[ethcrypto.RecoveryIDOffset] ^= 1

	tests := []struct {
		name    string
		addr    common.Address
		sig     string
		path    string
		body    []byte
		wantErr bool
	}{
		{"valid", addr, sig, "/v1/vault/bonds", body, false},
		{"other address", common.HexToAddress("0x1"), sig, "/v1/vault/bonds", body, true},
		{"tampered body", addr, sig, "/v1/vault/bonds", []byte(`{"amount":1}`), true},
		{"other path", addr, sig, "/v1/splitter/claims", body, true},
		{"garbage", addr, "0x1234", "/v1/vault/bonds", body, true},
		{"raw recovery id", addr, hexutil.Encode(lowV), "/v1/vault/bonds", body, false},
		{"high s", addr, hexutil.Encode(highS), "/v1/vault/bonds", body, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyRequest(tt.addr, tt.sig, "POST", tt.path, 1700000000, tt.body)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadSignature)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTokenIssuer(t *testing.T) {
	_, err := NewTokenIssuer("short", time.Hour)
	require.Error(t, err)

	iss, err := NewTokenIssuer("0123456789abcdef0123", time.Hour)
	require.NoError(t, err)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	iss.now = func() time.Time { return now }

	tok, exp, err := iss.Issue("0x52908400098527886E0F7030069857D2E4169EE7")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), exp)

	sub, err := iss.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", sub)

	other, err := NewTokenIssuer("ffffffffffffffffffff", time.Hour)
	require.NoError(t, err)
	other.now = iss.now
	_, err = other.Validate(tok)
	assert.ErrorIs(t, err, ErrBadToken)

	now = now.Add(2 * time.Hour)
	_, err = iss.Validate(tok)
	assert.ErrorIs(t, err, ErrBadToken, "expired")
}
