// Package session owns the signing ceremony's cryptographic core: the
// canonical JSON form wallets and gateway must agree on, challenge
// generation and BIP-340 response verification.
package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize renders v as deterministic JSON: lexicographically sorted
// object keys, no insignificant whitespace, raw UTF-8 with every string
// NFC-normalized. A wallet and the gateway hashing the same intent must
// produce byte-identical output, whatever their JSON library emitted.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Re-decode with UseNumber so numbers keep their original text and
	// never round-trip through float64.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var node interface{}
	if err := dec.Decode(&node); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, node); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalRef is the sha256 hex of the canonical form of v.
func CanonicalRef(v interface{}) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return sha256Hex(canonical), nil
}

func writeCanonical(buf *bytes.Buffer, node interface{}) error {
	switch n := node.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if n {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(n.String())
	case string:
		return writeCanonicalString(buf, n)
	case []interface{}:
		buf.WriteByte('[')
		for i, el := range n {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		type pair struct {
			key   string
			value interface{}
		}
		pairs := make([]pair, 0, len(n))
		for k, v := range n {
			// keys are normalized before sorting so the order is stable
			// across encodings of the same text
			pairs = append(pairs, pair{norm.NFC.String(k), v})
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

		buf.WriteByte('{')
		for i, p := range pairs {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, p.key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, p.value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("cannot canonicalize value of type %T", node)
	}
	return nil
}

// writeCanonicalString emits a JSON string without the HTML escaping
// json.Marshal applies, keeping parity with wallets that emit raw UTF-8.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	var enc bytes.Buffer
	e := json.NewEncoder(&enc)
	e.SetEscapeHTML(false)
	if err := e.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(enc.Bytes(), "\n"))
	return nil
}
