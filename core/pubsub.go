package core

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PubSubSession is a live bidding session. It is the value stored in the
// DHT under its topic name, serialized via its Encode method. A session
// with no TTL set is inert: every mutation is rejected until one is
// assigned by Publish.
type PubSubSession struct {
	ID        string
	Publisher string
	mu        sync.Mutex
	msgs      []string
	subs      []string
	ttl       *time.Time
}

// bidMessage is what a raised bid looks like once JSON-decoded from the
// session's message stack.
type bidMessage struct {
	Data       uint   `json:"data"`
	SenderAddr string `json:"sender_addr"`
}

// NewPubSubSession creates a fresh session for publisher. Its ID is the
// hex SHA-256 of the creation instant, matching the original's derivation.
func NewPubSubSession(publisher string) *PubSubSession {
	sum := sha256.Sum256([]byte(time.Now().Format(time.RFC3339Nano)))
	return &PubSubSession{ID: hex.EncodeToString(sum[:]), Publisher: publisher}
}

// SetTTL assigns (or replaces) the session's expiry.
func (p *PubSubSession) SetTTL(ttl time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ttl = &ttl
}

// Active reports whether the session has a TTL set and it has not yet
// elapsed.
func (p *PubSubSession) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeLocked()
}

func (p *PubSubSession) activeLocked() bool {
	if p.ttl == nil {
		return false
	}
	return time.Until(*p.ttl) > 0
}

// TTL returns the session's expiry, or nil if none has been set yet.
func (p *PubSubSession) TTL() *time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ttl == nil {
		return nil
	}
	t := *p.ttl
	return &t
}

// AddMsg validates and appends a bid. Msgs are JSON `{"data":
// <raise>,"sender_addr": <addr>}` documents; a bid is accepted only if it
// strictly raises the previous highest bid (or if the stack is empty).
// Returns 0 on success, 1 on an invalid bid, 2 if the session isn't active.
func (p *PubSubSession) AddMsg(msg string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.activeLocked() {
		return 2
	}
	if !p.verifyMsgLocked(msg) {
		return 1
	}
	p.msgs = append(p.msgs, msg)
	return 0
}

func (p *PubSubSession) verifyMsgLocked(msg string) bool {
	if len(p.msgs) == 0 {
		return true
	}
	last := p.msgs[len(p.msgs)-1]
	if last == "" && len(p.msgs) == 1 {
		return true
	}
	var lastBid, newBid bidMessage
	if err := json.Unmarshal([]byte(last), &lastBid); err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(msg), &newBid); err != nil {
		return false
	}
	return newBid.Data > lastBid.Data
}

// AddSub registers addr as a subscriber, unless it is the publisher or
// already subscribed, and only while the session is active.
func (p *PubSubSession) AddSub(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.activeLocked() {
		return
	}
	if p.verifyAddrLocked(addr) {
		return
	}
	p.subs = append(p.subs, addr)
}

// VerifyAddr reports whether addr is the publisher or an existing
// subscriber, i.e. is authorized to bid or view bids on this session.
func (p *PubSubSession) VerifyAddr(addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verifyAddrLocked(addr)
}

func (p *PubSubSession) verifyAddrLocked(addr string) bool {
	if p.Publisher == addr {
		return true
	}
	for _, s := range p.subs {
		if s == addr {
			return true
		}
	}
	return false
}

// ToJSON renders the CLI-facing view of the session: its id truncated to 4
// hex characters, subscriber count, highest bid/bidder (defaulting to 0/
// "unknown" before any bid), and TTL.
func (p *PubSubSession) ToJSON() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.ID
	if len(id) > 4 {
		id = id[:4]
	}

	var bid uint
	bidder := "unknown"
	if len(p.msgs) > 0 && p.msgs[len(p.msgs)-1] != "" {
		var last bidMessage
		if err := json.Unmarshal([]byte(p.msgs[len(p.msgs)-1]), &last); err == nil {
			bid = last.Data
			bidder = last.SenderAddr
		}
	}

	ttl := "NONE"
	if p.ttl != nil {
		ttl = p.ttl.Format(time.RFC3339Nano)
	}

	return map[string]interface{}{
		"id":             id,
		"num_subs":       len(p.subs),
		"highest_bid":    bid,
		"highest_bidder": bidder,
		"ttl":            ttl,
	}
}

// Encode renders the session as the base64 string stored in the DHT:
// "id;publisher;sub1 sub2 ...;msg1 msg2 ...;ttl_or_NONE".
func (p *PubSubSession) Encode() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ttl := "NONE"
	if p.ttl != nil {
		ttl = p.ttl.Format(time.RFC3339Nano)
	}
	raw := strings.Join([]string{
		p.ID,
		p.Publisher,
		strings.Join(p.subs, " "),
		strings.Join(p.msgs, " "),
		ttl,
	}, ";")
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodePubSubSession parses the base64 wire value back into a session.
// Surrounding "[" "]" brackets are trimmed before splitting, for
// compatibility with earlier builds that wrapped the encoded value.
func DecodePubSubSession(encoded string) (*PubSubSession, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("pubsub: decode: %w", err)
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(string(raw), "["), "]")
	parts := strings.Split(trimmed, ";")
	if len(parts) != 5 {
		return nil, fmt.Errorf("pubsub: malformed encoding, expected 5 fields, got %d", len(parts))
	}

	p := &PubSubSession{ID: parts[0], Publisher: parts[1]}
	if parts[2] != "" {
		p.subs = strings.Split(parts[2], " ")
	}
	if parts[3] != "" {
		p.msgs = strings.Split(parts[3], " ")
	}
	if parts[4] != "NONE" {
		ttl, err := time.Parse(time.RFC3339Nano, parts[4])
		if err != nil {
			return nil, fmt.Errorf("pubsub: parse ttl: %w", err)
		}
		p.ttl = &ttl
	}
	return p, nil
}

// HighestBid parses the current top bid, if any, used by the teardown
// loop to freeze the final result into an END_TOPIC event.
func (p *PubSubSession) HighestBid() (bid uint, bidder string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.msgs) == 0 || p.msgs[len(p.msgs)-1] == "" {
		return 0, "unknown", false
	}
	var last bidMessage
	if err := json.Unmarshal([]byte(p.msgs[len(p.msgs)-1]), &last); err != nil {
		return 0, "unknown", false
	}
	return last.Data, last.SenderAddr, true
}

// parseBidRaise extracts the non-negative raise amount out of a "bid <n>"
// command string, as accepted by App.AddMsg. ParseUint rejects a leading
// "-", matching §3's data: uint.
func parseBidRaise(cmd string) (uint, error) {
	fields := strings.Fields(cmd)
	if len(fields) != 2 {
		return 0, fmt.Errorf("pubsub: expected \"bid <amount>\", got %q", cmd)
	}
	n, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pubsub: invalid bid amount %q: %w", fields[1], err)
	}
	return uint(n), nil
}
