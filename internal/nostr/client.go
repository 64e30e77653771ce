package nostr

import (
	"context"
	"encoding/json"
	"sync"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"go.uber.org/zap"

	"arkrelay/internal/fault"
	"arkrelay/pkg/logger"
)

// dedupeCap bounds the duplicate-suppression map. A reset loses history,
// but replays that slip through are still caught by session-level
// idempotency downstream.
const dedupeCap = 8192

// Client fans the gateway's traffic across a set of relays. Events are
// published to every connected relay and inbound subscriptions are merged
// with duplicate suppression, so losing a relay degrades redundancy but
// not delivery.
type Client struct {
	identity *Identity
	relays   []*gonostr.Relay

	mu   sync.Mutex
	seen map[string]struct{}
}

// Connect dials every configured relay. One reachable relay is enough to
// start; unreachable ones are logged and skipped.
func Connect(ctx context.Context, identity *Identity, urls []string) (*Client, error) {
	if len(urls) == 0 {
		return nil, fault.New(fault.Internal, "no relay urls configured")
	}

	c := &Client{identity: identity, seen: make(map[string]struct{})}
	for _, url := range urls {
		relay, err := gonostr.RelayConnect(ctx, url)
		if err != nil {
			logger.Warn("Relay unreachable", zap.String("url", url), zap.Error(err))
			continue
		}
		logger.Info("Connected to relay", zap.String("url", url))
		c.relays = append(c.relays, relay)
	}
	if len(c.relays) == 0 {
		return nil, fault.Newf(fault.Internal, "could not connect to any of %d relays", len(urls))
	}
	return c, nil
}

// PubKey returns the gateway's hex pubkey, the address wallets reply to.
func (c *Client) PubKey() string {
	return c.identity.PubKey
}

// Publish marshals payload into a signed event of the given kind, tagged
// to the recipient, and fans it out. It returns the event id once at least
// one relay has accepted it.
func (c *Client) Publish(ctx context.Context, kind int, recipientPub string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return c.publishEvent(ctx, kind, recipientPub, string(body))
}

// SendDM encrypts plaintext to the recipient and publishes it as a kind 4
// event. The plaintext is never logged.
func (c *Client) SendDM(ctx context.Context, recipientPub, plaintext string) (string, error) {
	content, err := c.EncryptDM(recipientPub, plaintext)
	if err != nil {
		return "", err
	}
	return c.publishEvent(ctx, KindEncryptedDM, recipientPub, content)
}

func (c *Client) publishEvent(ctx context.Context, kind int, recipientPub, content string) (string, error) {
	ev := gonostr.Event{
		CreatedAt: gonostr.Now(),
		Kind:      kind,
		Content:   content,
	}
	if recipientPub != "" {
		ev.Tags = gonostr.Tags{{"p", recipientPub}}
	}
	if err := ev.Sign(c.identity.secretKey); err != nil {
		return "", fault.Wrap(fault.Internal, err)
	}

	accepted := 0
	for _, relay := range c.relays {
		if err := relay.Publish(ctx, ev); err != nil {
			logger.Warn("Relay rejected event",
				zap.String("relay", relay.URL),
				zap.Int("kind", kind),
				logger.ShortHex("event_id", ev.ID),
				zap.Error(err))
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return "", fault.Newf(fault.Internal, "no relay accepted event kind %d", kind)
	}
	logger.Debug("Published event",
		zap.Int("kind", kind),
		logger.ShortHex("event_id", ev.ID),
		logger.ShortHex("recipient", recipientPub),
		zap.Int("relays", accepted))
	return ev.ID, nil
}

// Subscribe opens a subscription for the given kinds on every relay and
// returns a single merged channel. Events seen on more than one relay are
// delivered once. The channel closes when ctx is canceled or every relay
// subscription has ended.
func (c *Client) Subscribe(ctx context.Context, kinds []int) (<-chan *gonostr.Event, error) {
	since := gonostr.Now()
	filters := gonostr.Filters{{Kinds: kinds, Since: &since}}

	var subs []*gonostr.Subscription
	for _, relay := range c.relays {
		sub, err := relay.Subscribe(ctx, filters)
		if err != nil {
			logger.Warn("Relay subscription failed", zap.String("relay", relay.URL), zap.Error(err))
			continue
		}
		subs = append(subs, sub)
	}
	if len(subs) == 0 {
		return nil, fault.New(fault.Internal, "no relay accepted the subscription")
	}

	merged := make(chan *gonostr.Event, 64)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *gonostr.Subscription) {
			defer wg.Done()
			for ev := range sub.Events {
				if ev == nil || !c.firstSighting(ev.ID) {
					continue
				}
				select {
				case merged <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()
	return merged, nil
}

func (c *Client) firstSighting(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[id]; dup {
		return false
	}
	if len(c.seen) >= dedupeCap {
		c.seen = make(map[string]struct{}, dedupeCap)
	}
	c.seen[id] = struct{}{}
	return true
}

// EncryptDM encrypts plaintext for the recipient per NIP-04.
func (c *Client) EncryptDM(recipientPub, plaintext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(recipientPub, c.identity.secretKey)
	if err != nil {
		return "", fault.Wrap(fault.InvalidSignature, err)
	}
	return nip04.Encrypt(plaintext, shared)
}

// DecryptDM decrypts NIP-04 content sent to the gateway by senderPub.
func (c *Client) DecryptDM(senderPub, ciphertext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(senderPub, c.identity.secretKey)
	if err != nil {
		return "", fault.Wrap(fault.InvalidSignature, err)
	}
	plain, err := nip04.Decrypt(ciphertext, shared)
	if err != nil {
		return "", fault.Wrap(fault.InvalidSignature, err)
	}
	return plain, nil
}

// Close disconnects every relay.
func (c *Client) Close() {
	for _, relay := range c.relays {
		if err := relay.Close(); err != nil {
			logger.Warn("Relay close failed", zap.String("relay", relay.URL), zap.Error(err))
		}
	}
}
