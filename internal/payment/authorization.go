package payment

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	x402Version = 1
	// defaultValidity applies when the server does not send maxTimeoutSeconds.
	defaultValidity = 5 * time.Minute
)

// Authorization is an EIP-3009 TransferWithAuthorization message. Values are
// decimal strings and the nonce is 0x-prefixed 32-byte hex, matching the
// wire format.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Payload is the signed, single-use content of the X-PAYMENT header.
type Payload struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Asset       string `json:"asset,omitempty"`
	Payload     struct {
		Signature     string        `json:"signature"`
		Authorization Authorization `json:"authorization"`
	} `json:"payload"`
}

// Encode renders the payload as the base64 JSON header value.
func (p Payload) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePayload reverses Encode.
func DecodePayload(header string) (Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return Payload{}, fmt.Errorf("decode payment header: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payment payload: %w", err)
	}
	return p, nil
}

// Domain is the EIP-712 domain of the token contract being transferred.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Signer produces a fresh payment authorization for each call.
type Signer interface {
	Address() common.Address
	Authorize(ctx context.Context, accept Accept) (Payload, error)
}

// EIP3009Signer signs USDC transfer authorizations with the agent key.
type EIP3009Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	network string
	now     func() time.Time
}

func NewEIP3009Signer(key *ecdsa.PrivateKey, chainID *big.Int, network string) (*EIP3009Signer, error) {
	if key == nil {
		return nil, errors.New("payment signer requires a private key")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("payment signer requires a chain id")
	}
	return &EIP3009Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
		network: network,
		now:     time.Now,
	}, nil
}

func (s *EIP3009Signer) Address() common.Address { return s.address }

// Authorize signs a transfer of accept.MaxAmountRequired to accept.PayTo,
// valid from now for maxTimeoutSeconds.
func (s *EIP3009Signer) Authorize(ctx context.Context, accept Accept) (Payload, error) {
	if err := ctx.Err(); err != nil {
		return Payload{}, err
	}
	amount, err := accept.Amount()
	if err != nil {
		return Payload{}, err
	}
	if !common.IsHexAddress(accept.PayTo) || !common.IsHexAddress(accept.Asset) {
		return Payload{}, fmt.Errorf("invalid payTo/asset in payment requirements")
	}
	validity := defaultValidity
	if accept.MaxTimeoutSeconds > 0 {
		validity = time.Duration(accept.MaxTimeoutSeconds) * time.Second
	}
	nonce, err := NewNonce()
	if err != nil {
		return Payload{}, err
	}
	now := s.now().Unix()
	auth := Authorization{
		From:        s.address.Hex(),
		To:          common.HexToAddress(accept.PayTo).Hex(),
		Value:       amount.String(),
		ValidAfter:  strconv.FormatInt(now, 10),
		ValidBefore: strconv.FormatInt(now+int64(validity/time.Second), 10),
		Nonce:       nonce,
	}
	domain := Domain{
		Name:              accept.Extra.Name,
		Version:           accept.Extra.Version,
		ChainID:           s.chainID,
		VerifyingContract: common.HexToAddress(accept.Asset),
	}
	if domain.Name == "" {
		domain.Name = "USD Coin"
	}
	if domain.Version == "" {
		domain.Version = "2"
	}
	sig, err := SignAuthorization(s.key, domain, auth)
	if err != nil {
		return Payload{}, err
	}

	network := accept.Network
	if network == "" {
		network = s.network
	}
	p := Payload{X402Version: x402Version, Scheme: SchemeExact, Network: network, Asset: domain.VerifyingContract.Hex()}
	p.Payload.Signature = sig
	p.Payload.Authorization = auth
	return p, nil
}

// NewNonce returns 32 random bytes as 0x hex; every authorization gets its own.
func NewNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hexutil.Encode(buf), nil
}

// SignAuthorization signs the EIP-712 TransferWithAuthorization digest and
// returns the 65-byte signature (v = 27/28) as 0x hex.
func SignAuthorization(key *ecdsa.PrivateKey, domain Domain, auth Authorization) (string, error) {
	digest, err := AuthorizationDigest(domain, auth)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("sign authorization: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// RecoverSigner returns the address that produced signature over auth.
func RecoverSigner(domain Domain, auth Authorization, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest, err := AuthorizationDigest(domain, auth)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// AuthorizationDigest is the EIP-712 hash of a TransferWithAuthorization.
func AuthorizationDigest(domain Domain, auth Authorization) ([]byte, error) {
	if domain.ChainID == nil {
		return nil, errors.New("domain chain id is required")
	}
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*gethmath.HexOrDecimal256)(new(big.Int).Set(domain.ChainID)),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("hash authorization: %w", err)
	}
	return digest, nil
}
