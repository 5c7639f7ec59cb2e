package bus

import (
	"context"
	"testing"
	"time"
)

func TestSessionKey(t *testing.T) {
	msg := InboundMessage{Channel: "telegram", ChatID: "200"}
	if got := msg.SessionKey(); got != "telegram:200" {
		t.Errorf("SessionKey() = %q", got)
	}
}

func TestDispatchOutbound(t *testing.T) {
	b := NewMessageBus(4)

	got := make(chan OutboundMessage, 1)
	b.SubscribeOutbound("telegram", func(msg OutboundMessage) {
		got <- msg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- OutboundMessage{Channel: "telegram", ChatID: "200", Content: "hi"}

	select {
	case msg := <-got:
		if msg.ChatID != "200" || msg.Content != "hi" {
			t.Errorf("msg = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestDispatchDropsUnsubscribedChannel(t *testing.T) {
	b := NewMessageBus(4)

	got := make(chan OutboundMessage, 2)
	b.SubscribeOutbound("telegram", func(msg OutboundMessage) {
		got <- msg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- OutboundMessage{Channel: "discord", ChatID: "1", Content: "lost"}
	b.Outbound <- OutboundMessage{Channel: "telegram", ChatID: "200", Content: "kept"}

	select {
	case msg := <-got:
		if msg.Content != "kept" {
			t.Errorf("msg = %+v, unsubscribed channel leaked", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestSubscribeReplaces(t *testing.T) {
	b := NewMessageBus(1)

	first := 0
	second := make(chan struct{}, 1)
	b.SubscribeOutbound("telegram", func(OutboundMessage) { first++ })
	b.SubscribeOutbound("telegram", func(OutboundMessage) { second <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- OutboundMessage{Channel: "telegram"}

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement subscriber never called")
	}
	if first != 0 {
		t.Error("original subscriber still receiving")
	}
}
