package core

import (
	"testing"
	"time"
)

func TestAppJoinPublishSubscribeBid(t *testing.T) {
	boot := newBootstrapForTest(t, 19310, nil)
	defer boot.Stop()
	boot.InitSync()

	peerSelf := NewNode("127.0.0.1", 19311)
	app, err := NewApp(peerSelf, boot.self, testConfig())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer app.Stop()

	if err := app.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}
	if boot.Chain().Len() < 2 {
		t.Fatalf("expected bootstrap to have accepted a register block, chain length %d", boot.Chain().Len())
	}

	session, err := app.Publish("antique-vase", time.Hour)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if session == nil {
		t.Fatalf("expected a session back from publish")
	}

	if err := app.Subscribe("antique-vase", "bidderA"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := app.AddMsg("antique-vase", "bidderA", "bid 100"); err != nil {
		t.Fatalf("bid: %v", err)
	}

	j, err := app.GetJSON("antique-vase")
	if err != nil {
		t.Fatalf("get json: %v", err)
	}
	if j["highest_bid"] != uint(100) || j["highest_bidder"] != "bidderA" {
		t.Fatalf("expected bid to be reflected in session json, got %+v", j)
	}

	topics := app.GetTopics()
	if len(topics) != 1 || topics[0].Name != "antique-vase" {
		t.Fatalf("expected one tracked topic, got %+v", topics)
	}
}

func TestAppAddMsgRejectsUnauthorized(t *testing.T) {
	boot := newBootstrapForTest(t, 19312, nil)
	defer boot.Stop()
	boot.InitSync()

	peerSelf := NewNode("127.0.0.1", 19313)
	app, err := NewApp(peerSelf, boot.self, testConfig())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer app.Stop()
	if err := app.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := app.Publish("rare-coin", time.Hour); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := app.AddMsg("rare-coin", "unregistered-addr", "bid 5"); err != ErrNotAuthorized {
		t.Fatalf("expected ErrNotAuthorized for a non-subscriber bid, got %v", err)
	}
}

func TestAppTeardownFreezesHighestBid(t *testing.T) {
	boot := newBootstrapForTest(t, 19314, nil)
	defer boot.Stop()
	boot.InitSync()

	peerSelf := NewNode("127.0.0.1", 19315)
	app, err := NewApp(peerSelf, boot.self, testConfig())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer app.Stop()
	if err := app.Join(); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Publish mines a block after setting the TTL, which can take seconds,
	// so the TTL must outlast that before the subscribe and bid below.
	session, err := app.Publish("short-lived", 5*time.Second)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := app.Subscribe("short-lived", "bidderA"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := app.AddMsg("short-lived", "bidderA", "bid 7"); err != nil {
		t.Fatalf("bid: %v", err)
	}

	time.Sleep(time.Until(*session.TTL()) + 20*time.Millisecond)

	topic := app.findExpiredOwnTopic()
	if topic == nil {
		t.Fatalf("expected the published topic to be found expired")
	}
	app.teardownTopic(topic)

	if _, ok := app.topics["short-lived"]; ok {
		t.Fatalf("expected teardown to remove the topic from the table")
	}

	event, err := ParseEvent(boot.Chain().Tip().Data)
	if err != nil {
		t.Fatalf("parse end_topic event: %v", err)
	}
	if event.Kind != EventEndTopic || event.Msg != "END_TOPIC: short-lived|BID: 7|BIDDER: bidderA" {
		t.Fatalf("expected bootstrap tip to freeze the highest bid, got %+v", event)
	}

	_ = session
}
