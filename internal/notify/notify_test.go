package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestNotifier(t *testing.T) (*RedisNotifier, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	notifier, err := NewRedisNotifier("redis://"+s.Addr(), "pagetree.changes")
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	return notifier, s
}

func TestNewRedisNotifier(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	notifier, err := NewRedisNotifier("redis://"+s.Addr(), "pagetree.changes")
	if err != nil {
		t.Fatalf("NewRedisNotifier failed: %v", err)
	}
	defer notifier.Close()

	if err := notifier.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisNotifierBadURL(t *testing.T) {
	_, err := NewRedisNotifier("not-a-url", "pagetree.changes")
	if err == nil {
		t.Fatal("expected error for invalid redis url, got nil")
	}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	notifier, s := setupTestNotifier(t)
	defer notifier.Close()
	defer s.Close()

	opts, err := redis.ParseURL("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("parse url failed: %v", err)
	}
	subscriber := redis.NewClient(opts)
	defer subscriber.Close()

	ctx := context.Background()
	sub := subscriber.Subscribe(ctx, "pagetree.changes")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	notifier.Publish(ctx, Change{
		Change: "node.created",
		NodeID: "page_abc",
		Kind:   "page",
		Title:  "Welcome",
		Actor:  "Avery",
	})

	select {
	case msg := <-sub.Channel():
		var change Change
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			t.Fatalf("unmarshal payload failed: %v", err)
		}
		if change.Change != "node.created" || change.NodeID != "page_abc" {
			t.Errorf("unexpected change %+v", change)
		}
		if change.At == 0 {
			t.Error("expected At to be stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published change")
	}
}

func TestPublishSurvivesClosedConnection(t *testing.T) {
	notifier, s := setupTestNotifier(t)
	defer notifier.Close()

	s.Close()

	// best effort: must not panic or block
	notifier.Publish(context.Background(), Change{Change: "node.deleted", NodeID: "page_x"})
}
