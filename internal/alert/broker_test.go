package alert

import (
	"encoding/json"
	"testing"
)

func TestBrokerPublish(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe()

	b.Publish(Alert{Kind: KindPermission, UserID: "ou_1", Cause: "没有加入群聊权限"})

	var got Alert
	if err := json.Unmarshal(<-ch, &got); err != nil {
		t.Fatalf("decoding alert: %v", err)
	}
	if got.UserID != "ou_1" || got.Kind != KindPermission {
		t.Errorf("alert = %+v", got)
	}
	if got.At.IsZero() {
		t.Errorf("alert time not set")
	}

	b.Unsubscribe(ch)
	if n := b.Subscribers(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
	b.Publish(Alert{Kind: KindPermission})
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe()

	for i := 0; i < cap(ch)+5; i++ {
		b.Publish(Alert{Kind: KindPermission})
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffered = %d, want %d", len(ch), cap(ch))
	}
}
