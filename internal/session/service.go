package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"go.uber.org/zap"

	"arkrelay/internal/database"
	"arkrelay/internal/fault"
	"arkrelay/pkg/logger"
)

// Service issues challenges and verifies wallet responses against the
// store. The pure checks live in free functions so the rules are testable
// without a database.
type Service struct {
	store        *database.Store
	challengeTTL time.Duration
}

func NewService(store *database.Store, challengeTTL time.Duration) *Service {
	return &Service{store: store, challengeTTL: challengeTTL}
}

// DeriveSessionID computes the deterministic session id for an intent:
// sha256 over the user pubkey, session type and canonical intent. A wallet
// re-sending the same intent lands on the same session.
func DeriveSessionID(userPubkey string, sessionType database.SessionType, intent SignableIntent) (string, error) {
	canonical, err := Canonicalize(intent)
	if err != nil {
		return "", err
	}
	return sha256Hex([]byte(userPubkey + sessionType.String() + string(canonical))), nil
}

// IssueChallenge generates and persists the challenge for an initiated
// session, advancing it to challenge_sent.
func (s *Service) IssueChallenge(ctx context.Context, sess *database.Session, intent SignableIntent) (*database.SigningChallenge, error) {
	challenge, err := Generate(sess, intent, s.challengeTTL, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.store.AttachChallenge(ctx, challenge); err != nil {
		if errors.Is(err, database.ErrStateConflict) {
			return nil, fault.Wrap(fault.StoreConflict, err)
		}
		return nil, err
	}
	logger.Debug("Issued signing challenge",
		logger.ShortHex("session_id", sess.SessionID),
		logger.ShortHex("challenge_id", challenge.ChallengeID),
		zap.Time("expires_at", challenge.ExpiresAt))
	return challenge, nil
}

// VerifyResponse runs the full response check and, on success, atomically
// consumes the challenge and advances the session awaiting_signature →
// signing. The returned challenge carries the canonical payload the
// executor hands to the ARK daemon.
func (s *Service) VerifyResponse(ctx context.Context, challengeID, signatureHex, responderPubkey string) (*database.SigningChallenge, error) {
	challenge, err := s.store.Challenges.GetByID(ctx, challengeID)
	if err != nil {
		if errors.Is(err, database.ErrChallengeNotFound) {
			return nil, fault.New(fault.ChallengeNotFound, "no challenge with this id")
		}
		return nil, err
	}

	sess, err := s.store.Sessions.GetByID(ctx, challenge.SessionID)
	if err != nil {
		return nil, err
	}

	if err := CheckResponse(challenge, sess, signatureHex, responderPubkey, time.Now().UTC()); err != nil {
		return nil, err
	}

	consumed, err := s.store.ConsumeChallenge(ctx, challenge.SessionID, challengeID, signatureHex)
	if err != nil {
		if errors.Is(err, database.ErrStateConflict) {
			return nil, fault.Wrap(fault.StoreConflict, err)
		}
		return nil, err
	}
	if !consumed {
		return nil, fault.New(fault.ChallengeAlreadyUsed, "challenge response already consumed")
	}

	logger.Info("Challenge response verified",
		logger.ShortHex("session_id", sess.SessionID),
		logger.ShortHex("challenge_id", challengeID))
	return challenge, nil
}

// CheckResponse applies the response rules in their fixed order: unknown
// challenge handling happens at load, then expiry (the expiry instant
// itself rejects), then reuse, then the BIP-340 signature against the
// session owner's key. It never mutates anything.
func CheckResponse(challenge *database.SigningChallenge, sess *database.Session, signatureHex, responderPubkey string, now time.Time) error {
	if !now.Before(challenge.ExpiresAt) {
		return fault.Newf(fault.ChallengeExpired, "challenge expired at %s", challenge.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if challenge.IsUsed {
		return fault.New(fault.ChallengeAlreadyUsed, "challenge response already consumed")
	}

	if responderPubkey != "" {
		responder, err := NormalizePubkey(responderPubkey)
		if err != nil {
			return err
		}
		owner, err := NormalizePubkey(sess.UserPubkey)
		if err != nil {
			return err
		}
		if responder != owner {
			return fault.New(fault.InvalidSignature, "response signed by a key other than the session owner")
		}
	}

	return VerifySignature(sess.UserPubkey, PayloadToSign(challenge.PayloadRef), signatureHex)
}

// VerifySignature checks a BIP-340 schnorr signature over
// sha256(message).
func VerifySignature(pubkeyHex, message, signatureHex string) error {
	normalized, err := NormalizePubkey(pubkeyHex)
	if err != nil {
		return err
	}
	pubBytes, err := hex.DecodeString(normalized)
	if err != nil {
		return fault.New(fault.InvalidSignature, "pubkey is not hex")
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return fault.New(fault.InvalidSignature, "pubkey is not a valid curve point")
	}

	sigBytes, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(signatureHex)))
	if err != nil || len(sigBytes) != schnorr.SignatureSize {
		return fault.New(fault.InvalidSignature, "signature must be 64 bytes of hex")
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fault.New(fault.InvalidSignature, "signature does not parse")
	}

	digest := sha256.Sum256([]byte(message))
	if !sig.Verify(digest[:], pub) {
		return fault.New(fault.InvalidSignature, "signature does not verify against the session owner's key")
	}
	return nil
}

// NormalizePubkey lowercases a hex pubkey and strips the SEC1 parity byte
// from the 33-byte compressed form, returning 64-char x-only hex.
func NormalizePubkey(s string) (string, error) {
	k := strings.ToLower(strings.TrimSpace(s))
	b, err := hex.DecodeString(k)
	if err != nil {
		return "", fault.New(fault.InvalidIntent, "pubkey is not hex")
	}
	switch len(b) {
	case 32:
		return k, nil
	case 33:
		if b[0] != 0x02 && b[0] != 0x03 {
			return "", fault.New(fault.InvalidIntent, "compressed pubkey prefix must be 02 or 03")
		}
		return hex.EncodeToString(b[1:]), nil
	default:
		return "", fault.Newf(fault.InvalidIntent, "pubkey must be 32 or 33 bytes, got %d", len(b))
	}
}
