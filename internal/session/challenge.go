package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"arkrelay/internal/database"
)

// SignableIntent is the slice of an intent covered by the wallet's
// signature: everything that changes what the gateway will execute.
type SignableIntent struct {
	ActionID string          `json:"action_id"`
	Type     string          `json:"type"`
	Params   json.RawMessage `json:"params"`
}

// Generate builds the signing challenge for a session. The payload is the
// canonical intent, its ref the sha256 hex, and the challenge id a hash
// over (session_id, payload_ref, creation nanos) so regenerated challenges
// never collide.
func Generate(sess *database.Session, intent SignableIntent, ttl time.Duration, now time.Time) (*database.SigningChallenge, error) {
	canonical, err := Canonicalize(intent)
	if err != nil {
		return nil, err
	}
	ref := sha256Hex(canonical)
	id := sha256Hex([]byte(sess.SessionID + ref + strconv.FormatInt(now.UnixNano(), 10)))

	contextJSON, err := json.Marshal(humanContext(sess, intent))
	if err != nil {
		return nil, err
	}

	return &database.SigningChallenge{
		ChallengeID: id,
		SessionID:   sess.SessionID,
		Payload:     canonical,
		PayloadRef:  ref,
		Context:     contextJSON,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}, nil
}

// PayloadToSign is the string the wallet actually signs: the payload ref
// with a 0x prefix, hashed once more by the verifier.
func PayloadToSign(payloadRef string) string {
	return "0x" + payloadRef
}

// humanContext renders what the wallet shows its user before signing.
// Values come from the raw params on purpose: the text must describe what
// was actually hashed, not what a later validation pass inferred.
func humanContext(sess *database.Session, intent SignableIntent) string {
	var params map[string]interface{}
	if len(intent.Params) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(intent.Params)))
		dec.UseNumber()
		_ = dec.Decode(&params)
	}

	amount := "0"
	if n, ok := params["amount"].(json.Number); ok {
		amount = n.String()
	}
	asset := "BTC"
	if s, ok := params["asset_id"].(string); ok && s != "" {
		asset = s
	}

	lines := []string{"Ark Relay Gateway - " + sessionTitle(sess.SessionType)}
	switch sess.SessionType {
	case database.P2PTransfer:
		recipient := ""
		if s, ok := params["recipient_pubkey"].(string); ok {
			recipient = shorten(s)
		}
		lines = append(lines,
			"Amount: "+amount+" "+asset,
			"Recipient: "+recipient,
		)
	case database.LightningLift:
		lines = append(lines,
			"Lightning Lift (On-ramp)",
			"Amount: "+amount+" "+asset,
		)
	case database.LightningLand:
		lines = append(lines,
			"Lightning Land (Off-ramp)",
			"Amount: "+amount+" "+asset,
		)
	}
	lines = append(lines,
		"Session: "+shorten(sess.SessionID),
		"Created: "+sess.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		"Expires: "+sess.ExpiresAt.UTC().Format("2006-01-02 15:04:05"),
	)
	return strings.Join(lines, "\n")
}

func sessionTitle(t database.SessionType) string {
	switch t {
	case database.P2PTransfer:
		return "P2P Transfer"
	case database.LightningLift:
		return "Lightning Lift"
	case database.LightningLand:
		return "Lightning Land"
	default:
		return "Unknown"
	}
}

func shorten(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8] + "..."
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
