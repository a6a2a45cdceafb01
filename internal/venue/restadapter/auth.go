package restadapter

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Signer computes the authentication headers a venue's REST API expects
// for a given request. Two concrete implementations cover the two
// families seen across venues: HMACSigner for centralized-exchange-style
// key/secret auth, EIP712Signer for wallet-signed DEX-style venues.
type Signer interface {
	Headers(method, path, body string) (map[string]string, error)
}

// Credentials is a CEX-style API key/secret/passphrase triplet.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// HMACSigner signs "timestamp + method + path [+ body]" with
// HMAC-SHA256 over the base64-decoded secret, matching the auth scheme
// used by most centralized-exchange REST APIs.
type HMACSigner struct {
	creds Credentials
}

// NewHMACSigner creates a signer over creds.
func NewHMACSigner(creds Credentials) *HMACSigner {
	return &HMACSigner{creds: creds}
}

func (s *HMACSigner) Headers(method, path, body string) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	message := ts + method + path + body

	secretBytes, err := base64.StdEncoding.DecodeString(s.creds.Secret)
	if err != nil {
		secretBytes = []byte(s.creds.Secret) // some venues hand out a raw, non-base64 secret
	}
	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"X-API-KEY":        s.creds.APIKey,
		"X-API-SIGNATURE":  sig,
		"X-API-TIMESTAMP":  ts,
		"X-API-PASSPHRASE": s.creds.Passphrase,
	}, nil
}

// EIP712Signer signs requests with an Ethereum private key, for
// DEX-style venues whose REST API authenticates each order by a wallet
// signature rather than an HMAC secret.
type EIP712Signer struct {
	privateKey *ecdsa.PrivateKey
	address    string
}

// NewEIP712Signer parses a hex-encoded private key (with or without the
// 0x prefix) and derives the signer's address.
func NewEIP712Signer(privateKeyHex string) (*EIP712Signer, error) {
	keyHex := privateKeyHex
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	pk, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("restadapter: parse private key: %w", err)
	}
	addr := crypto.PubkeyToAddress(pk.PublicKey)
	return &EIP712Signer{privateKey: pk, address: addr.Hex()}, nil
}

// Address returns the signer's 0x-prefixed Ethereum address.
func (s *EIP712Signer) Address() string { return s.address }

// Headers signs the canonical "method\npath\nbody" digest over
// Keccak256 and returns the recoverable signature as a hex header,
// alongside the signer's address for the venue to verify against.
func (s *EIP712Signer) Headers(method, path, body string) (map[string]string, error) {
	digest := crypto.Keccak256([]byte(method + "\n" + path + "\n" + body))
	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("restadapter: sign request: %w", err)
	}
	return map[string]string{
		"X-SIGNER-ADDRESS": s.address,
		"X-SIGNATURE":      "0x" + fmt.Sprintf("%x", sig),
	}, nil
}
