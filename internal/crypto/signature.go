package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrBadSignature is returned when a request signature does not recover to
// the claimed address.
var ErrBadSignature = errors.New("crypto: bad signature")

// RequestMessage is the text a caller signs for one request:
// METHOD\nPATH\nTIMESTAMP\nkeccak256(body) with the hash as 0x-hex.
func RequestMessage(method, path string, timestamp int64, body []byte) []byte {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(hexutil.Encode(ethcrypto.Keccak256(body)))
	return []byte(b.String())
}

// SignRequest returns the 0x-hex EIP-191 personal_sign signature of the
// request message.
func SignRequest(key *ecdsa.PrivateKey, method, path string, timestamp int64, body []byte) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(RequestMessage(method, path, timestamp, body)), key)
	if err != nil {
		return "", fmt.Errorf("crypto: sign request: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RequestDigest is the EIP-191 hash of the request message. It identifies a
// signed request independently of how its signature is encoded.
func RequestDigest(method, path string, timestamp int64, body []byte) common.Hash {
	return common.BytesToHash(accounts.TextHash(RequestMessage(method, path, timestamp, body)))
}

// VerifyRequest checks that signature was produced by address over the
// request message. The recovery id may be 0/1 or 27/28; high-s signatures
// are rejected.
func VerifyRequest(address common.Address, signature, method, path string, timestamp int64, body []byte) error {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	v := sig[ethcrypto.RecoveryIDOffset]
	if v >= 27 {
		v -= 27
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !ethcrypto.ValidateSignatureValues(v, r, s, true) {
		return fmt.Errorf("%w: non-canonical values", ErrBadSignature)
	}
	sig[ethcrypto.RecoveryIDOffset] = v

	digest := RequestDigest(method, path, timestamp, body)
	pub, err := ethcrypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if ethcrypto.PubkeyToAddress(*pub) != address {
		return ErrBadSignature
	}
	return nil
}
