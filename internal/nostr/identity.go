package nostr

import (
	"encoding/hex"
	"errors"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	gonostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"arkrelay/config"
	"arkrelay/internal/keystore"
	"arkrelay/pkg/logger"
)

// Identity is the gateway's nostr keypair. The secret key never leaves
// this package; callers sign and decrypt through Client methods.
type Identity struct {
	secretKey string
	PubKey    string
	Npub      string

	// Ephemeral marks a key generated at startup because no identity was
	// configured. Wallets pinning the gateway pubkey will not recognize
	// an ephemeral instance after a restart.
	Ephemeral bool
}

// LoadIdentity resolves the gateway identity in order of preference:
// the identity key from the environment (hex or nsec), the encrypted
// keystore file, and finally a generated ephemeral key.
func LoadIdentity(cfg config.NostrConfig) (*Identity, error) {
	if cfg.IdentityKey != "" {
		id, err := identityFromKey(cfg.IdentityKey)
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded nostr identity from environment", zap.String("npub", id.Npub))
		return id, nil
	}

	if cfg.KeystoreFile != "" {
		id, err := identityFromKeystore(cfg.KeystoreFile, cfg.KeystorePassphrase)
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded nostr identity from keystore",
			zap.String("file", cfg.KeystoreFile),
			zap.String("npub", id.Npub))
		return id, nil
	}

	sk := gonostr.GeneratePrivateKey()
	id, err := identityFromKey(sk)
	if err != nil {
		return nil, err
	}
	id.Ephemeral = true
	logger.Warn("EPHEMERAL NOSTR IDENTITY: no identity key or keystore configured, generated a throwaway key. "+
		"Wallets addressing this gateway will lose it on restart.",
		zap.String("npub", id.Npub))
	return id, nil
}

func identityFromKeystore(file, passphrase string) (*Identity, error) {
	blob, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	plain, err := keystore.DecryptWithPassword(strings.TrimSpace(string(blob)), passphrase)
	if err != nil {
		return nil, errors.New("could not decrypt identity keystore: " + err.Error())
	}
	return identityFromKey(strings.TrimSpace(string(plain)))
}

// identityFromKey accepts a 64-char hex secret key or an nsec bech32
// string. Error messages deliberately omit the offending value.
func identityFromKey(raw string) (*Identity, error) {
	sk, err := parseSecretKey(raw)
	if err != nil {
		return nil, err
	}
	pub, err := gonostr.GetPublicKey(sk)
	if err != nil {
		return nil, errors.New("could not derive pubkey from identity key")
	}
	npub, err := EncodeNpub(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{secretKey: sk, PubKey: pub, Npub: npub}, nil
}

func parseSecretKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(strings.ToLower(raw), "nsec1") {
		hrp, data, err := bech32.Decode(strings.ToLower(raw))
		if err != nil {
			return "", errors.New("identity key is not valid bech32")
		}
		if hrp != "nsec" {
			return "", errors.New("identity key bech32 prefix is not nsec")
		}
		key, err := bech32.ConvertBits(data, 5, 8, false)
		if err != nil || len(key) != 32 {
			return "", errors.New("identity key nsec payload is not 32 bytes")
		}
		return hex.EncodeToString(key), nil
	}

	key, err := hex.DecodeString(strings.ToLower(raw))
	if err != nil || len(key) != 32 {
		return "", errors.New("identity key must be 64 hex chars or an nsec string")
	}
	return hex.EncodeToString(key), nil
}

// EncodeNpub renders a hex pubkey in the bech32 form wallets display.
func EncodeNpub(pubHex string) (string, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != 32 {
		return "", errors.New("pubkey must be 64 hex chars")
	}
	data, err := bech32.ConvertBits(pub, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode("npub", data)
}
