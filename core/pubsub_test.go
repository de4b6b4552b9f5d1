package core

import (
	"testing"
	"time"
)

func TestPubSubSessionInactiveWithoutTTL(t *testing.T) {
	s := NewPubSubSession("pub")
	if s.Active() {
		t.Fatalf("expected a session with no TTL set to be inactive")
	}
	if s.AddMsg(`{"data":10,"sender_addr":"subA"}`) != 2 {
		t.Fatalf("expected AddMsg to report inactive (2) before a TTL is set")
	}
}

func TestPubSubSessionBidOrdering(t *testing.T) {
	s := NewPubSubSession("pub")
	s.SetTTL(time.Now().Add(time.Hour))

	if code := s.AddMsg(`{"data":10,"sender_addr":"subA"}`); code != 0 {
		t.Fatalf("expected first bid to be accepted, got code %d", code)
	}
	if code := s.AddMsg(`{"data":5,"sender_addr":"subB"}`); code != 1 {
		t.Fatalf("expected lower bid to be rejected, got code %d", code)
	}
	if code := s.AddMsg(`{"data":20,"sender_addr":"subB"}`); code != 0 {
		t.Fatalf("expected raised bid to be accepted, got code %d", code)
	}

	bid, bidder, ok := s.HighestBid()
	if !ok || bid != 20 || bidder != "subB" {
		t.Fatalf("expected highest bid 20 from subB, got %d/%s/%v", bid, bidder, ok)
	}
}

func TestPubSubSessionSubscribers(t *testing.T) {
	s := NewPubSubSession("pub")
	s.SetTTL(time.Now().Add(time.Hour))

	s.AddSub("subA")
	s.AddSub("pub") // publisher can't subscribe to itself
	s.AddSub("subA") // duplicate, ignored

	if !s.VerifyAddr("pub") {
		t.Fatalf("expected publisher to verify")
	}
	if !s.VerifyAddr("subA") {
		t.Fatalf("expected subA to verify as subscriber")
	}
	if s.VerifyAddr("subB") {
		t.Fatalf("expected subB (never subscribed) to fail verification")
	}
	if len(s.subs) != 1 {
		t.Fatalf("expected exactly one subscriber recorded, got %d", len(s.subs))
	}
}

func TestPubSubSessionEncodeDecodeRoundTrip(t *testing.T) {
	s := NewPubSubSession("pub")
	s.SetTTL(time.Now().Add(time.Hour))
	s.AddSub("subA")
	s.AddMsg(`{"data":15,"sender_addr":"subA"}`)

	encoded := s.Encode()
	decoded, err := DecodePubSubSession(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != s.ID || decoded.Publisher != s.Publisher {
		t.Fatalf("expected id/publisher to round-trip, got %+v", decoded)
	}
	if !decoded.VerifyAddr("subA") {
		t.Fatalf("expected subA to round-trip as a subscriber")
	}
	bid, bidder, ok := decoded.HighestBid()
	if !ok || bid != 15 || bidder != "subA" {
		t.Fatalf("expected highest bid to round-trip, got %d/%s/%v", bid, bidder, ok)
	}
}

func TestPubSubSessionToJSONDefaults(t *testing.T) {
	s := NewPubSubSession("pub")
	view := s.ToJSON()
	if view["highest_bid"] != uint(0) || view["highest_bidder"] != "unknown" {
		t.Fatalf("expected default bid/bidder before any bid, got %+v", view)
	}
	if view["ttl"] != "NONE" {
		t.Fatalf("expected ttl NONE before SetTTL, got %v", view["ttl"])
	}
}

func TestParseBidRaise(t *testing.T) {
	n, err := parseBidRaise("bid 42")
	if err != nil || n != 42 {
		t.Fatalf("expected 42, nil, got %d, %v", n, err)
	}
	if _, err := parseBidRaise("not a bid"); err == nil {
		t.Fatalf("expected an error for malformed bid command")
	}
}
