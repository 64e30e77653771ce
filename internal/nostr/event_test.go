package nostr

import (
	"testing"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arkrelay/internal/fault"
)

func signedEvent(t *testing.T, sk string, kind int, content string) *gonostr.Event {
	t.Helper()
	ev := &gonostr.Event{
		CreatedAt: gonostr.Now(),
		Kind:      kind,
		Content:   content,
		Tags:      gonostr.Tags{},
	}
	require.NoError(t, ev.Sign(sk))
	return ev
}

func TestVerifyEvent(t *testing.T) {
	sk := gonostr.GeneratePrivateKey()

	t.Run("accepts a properly signed event", func(t *testing.T) {
		ev := signedEvent(t, sk, KindActionIntent, `{"action_id":"a1"}`)
		require.NoError(t, VerifyEvent(ev))
	})

	t.Run("rejects tampered content", func(t *testing.T) {
		ev := signedEvent(t, sk, KindActionIntent, `{"action_id":"a1"}`)
		ev.Content = `{"action_id":"a2"}`
		err := VerifyEvent(ev)
		require.Error(t, err)
		assert.True(t, fault.IsCode(err, fault.InvalidSignature))
	})

	t.Run("rejects recomputed id with stale signature", func(t *testing.T) {
		ev := signedEvent(t, sk, KindActionIntent, `{"action_id":"a1"}`)
		ev.Content = `{"action_id":"a2"}`
		ev.ID = ev.GetID()
		err := VerifyEvent(ev)
		require.Error(t, err)
		assert.True(t, fault.IsCode(err, fault.InvalidSignature))
	})

	t.Run("rejects malformed signature hex", func(t *testing.T) {
		ev := signedEvent(t, sk, KindActionIntent, `{}`)
		ev.Sig = "zz" + ev.Sig[2:]
		err := VerifyEvent(ev)
		require.Error(t, err)
		assert.True(t, fault.IsCode(err, fault.InvalidSignature))
	})
}

func TestPTag(t *testing.T) {
	ev := &gonostr.Event{Tags: gonostr.Tags{
		{"e", "someevent"},
		{"p", "abc123"},
		{"p", "second"},
	}}
	assert.Equal(t, "abc123", PTag(ev))

	assert.Equal(t, "", PTag(&gonostr.Event{}))
	assert.Equal(t, "", PTag(&gonostr.Event{Tags: gonostr.Tags{{"p"}}}))
}

func TestPayloadConstructors(t *testing.T) {
	ok := NewSuccessPayload("a1", ResultDetails{Txid: "aa", Amount: 5000, Fee: 12})
	assert.Equal(t, "success", ok.Status)
	assert.Equal(t, "a1", ok.RefActionID)
	assert.Equal(t, int64(5000), ok.Results.Amount)

	bad := NewFailurePayload("a1", fault.InvalidSignature, "signature does not verify")
	assert.Equal(t, "failure", bad.Status)
	assert.Equal(t, "invalid_signature", bad.Code)
	assert.Equal(t, "signature does not verify", bad.Message)
}
