package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// GenesisHash is the prev_hash of the first notice in a chain.
var GenesisHash = strings.Repeat("0", 64)

// Notice is one transfer notification as persisted by the outbox.
type Notice struct {
	NoticeID  uuid.UUID `json:"notice_id"`
	AccountID string    `json:"account_id"`
	Direction Direction `json:"direction"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// canonicalNotice returns both representations stored per row:
// - payload_json: regular JSON bytes (cast to jsonb in SQL)
// - payload_canonical: RFC 8785 canonical JSON string (JCS)
func canonicalNotice(n Notice) (payloadJSON json.RawMessage, payloadCanonical string, err error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", err
	}
	return json.RawMessage(raw), string(canon), nil
}

// ChainHash computes hash(i) = sha256(prev_hash_hex(i) + "|" + payload_canonical(i)).
func ChainHash(prevHashHex, payloadCanonical string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(prevHashHex) + "|" + payloadCanonical))
	return hex.EncodeToString(sum[:])
}

// ChainLink is one exported row of the notice chain.
type ChainLink struct {
	Seq              string
	PrevHashHex      string
	HashHex          string
	PayloadCanonical string
}

// ChainVerifier checks links fed in sequence order.
type ChainVerifier struct {
	// Anchor is the expected prev hash of the first link. Empty accepts any.
	Anchor string
	// Strong recomputes every hash from its payload.
	Strong bool

	head string
	rows int
}

func (v *ChainVerifier) Next(l ChainLink) error {
	prev := strings.ToLower(strings.TrimSpace(l.PrevHashHex))
	hash := strings.ToLower(strings.TrimSpace(l.HashHex))

	if _, err := hex.DecodeString(prev); err != nil || len(prev) != 64 {
		return fmt.Errorf("seq=%s: invalid prev_hash_hex %q", l.Seq, l.PrevHashHex)
	}
	if _, err := hex.DecodeString(hash); err != nil || len(hash) != 64 {
		return fmt.Errorf("seq=%s: invalid hash_hex %q", l.Seq, l.HashHex)
	}

	expectedPrev := v.head
	if v.rows == 0 {
		expectedPrev = strings.ToLower(v.Anchor)
	}
	if expectedPrev != "" && prev != expectedPrev {
		return fmt.Errorf("seq=%s: prev_hash mismatch: expected=%s got=%s", l.Seq, expectedPrev, prev)
	}

	if v.Strong {
		if want := ChainHash(prev, l.PayloadCanonical); want != hash {
			return fmt.Errorf("seq=%s: hash mismatch: expected=%s got=%s", l.Seq, want, hash)
		}
	}

	v.head = hash
	v.rows++
	return nil
}

func (v *ChainVerifier) Head() string { return v.head }
func (v *ChainVerifier) Rows() int    { return v.rows }
