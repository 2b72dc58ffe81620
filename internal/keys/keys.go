package keys

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EnvPrivateKey overrides the key file when set.
const EnvPrivateKey = "AGENT_PRIVATE_KEY"

type StoredKey struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	PubKeyHex  string `json:"pubkey_hex"`
	PrivKeyHex string `json:"privkey_hex"`
	CreatedAt  string `json:"created_at"`
}

// PrivateKey decodes the stored secp256k1 key.
func (k StoredKey) PrivateKey() (*ecdsa.PrivateKey, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(k.PrivKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return priv, nil
}

func (k StoredKey) Addr() common.Address { return common.HexToAddress(k.Address) }

func EnsureKey(path, name string) (StoredKey, bool, error) {
	if key, err := Load(path); err == nil {
		return key, false, nil
	}
	key, err := Generate(name)
	if err != nil {
		return StoredKey{}, false, err
	}
	if err := Save(path, key); err != nil {
		return StoredKey{}, false, err
	}
	return key, true, nil
}

func Generate(name string) (StoredKey, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return StoredKey{}, fmt.Errorf("generate key: %w", err)
	}
	return fromECDSA(name, priv), nil
}

// FromHex builds a key from a hex private key, e.g. the env override.
func FromHex(name, privHex string) (StoredKey, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privHex), "0x"))
	if err != nil {
		return StoredKey{}, fmt.Errorf("invalid private key: %w", err)
	}
	return fromECDSA(name, priv), nil
}

func fromECDSA(name string, priv *ecdsa.PrivateKey) StoredKey {
	return StoredKey{
		Name:       name,
		Address:    crypto.PubkeyToAddress(priv.PublicKey).Hex(),
		PubKeyHex:  hex.EncodeToString(crypto.CompressPubkey(&priv.PublicKey)),
		PrivKeyHex: hex.EncodeToString(crypto.FromECDSA(priv)),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
}

func Save(path string, key StoredKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	bz, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, bz, 0o600)
}

func Load(path string) (StoredKey, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return StoredKey{}, err
	}
	var key StoredKey
	if err := json.Unmarshal(bz, &key); err != nil {
		return StoredKey{}, err
	}
	if key.Address == "" {
		return StoredKey{}, fmt.Errorf("invalid key file: missing address")
	}
	priv, err := key.PrivateKey()
	if err != nil {
		return StoredKey{}, err
	}
	if crypto.PubkeyToAddress(priv.PublicKey) != key.Addr() {
		return StoredKey{}, fmt.Errorf("invalid key file: address %s does not match private key", key.Address)
	}
	return key, nil
}

// Resolve prefers AGENT_PRIVATE_KEY over the key file at path.
func Resolve(path, name string) (StoredKey, error) {
	if v := strings.TrimSpace(os.Getenv(EnvPrivateKey)); v != "" {
		return FromHex(name, v)
	}
	return Load(path)
}

func DefaultAgentKeyPath(base string) string {
	return filepath.Join(base, "agent.json")
}
