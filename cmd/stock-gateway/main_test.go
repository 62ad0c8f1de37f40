// cmd/stock-gateway/main_test.go
package main

import (
	"context"
	"testing"
	"time"

	"atelier/internal/service/reservation/domain"
)

func newTestClient(hub *Hub, viewerID, variantID string) *Client {
	return &Client{
		hub:       hub,
		send:      make(chan []byte, 8),
		viewerID:  viewerID,
		variantID: variantID,
	}
}

func TestHubDispatchExcludesHolder(t *testing.T) {
	hub := newHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.run(ctx)

	holder := newTestClient(hub, "buyer-1", "v1")
	viewer := newTestClient(hub, "viewer-2", "v1")
	hub.register <- holder
	hub.register <- viewer

	hub.events <- domain.StockEvent{
		Kind:          domain.EventStockReserved,
		VariantID:     "v1",
		Available:     7,
		ExcludeHolder: "buyer-1",
	}

	select {
	case <-viewer.send:
	case <-time.After(2 * time.Second):
		t.Fatal("viewer did not receive the stock event")
	}
	// 事件已分发完毕，引发者自己不应收到推送
	select {
	case <-holder.send:
		t.Fatal("the holder that caused the event must be excluded")
	default:
	}
}

func TestClientDetachAfterShutdown(t *testing.T) {
	hub := newHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.run(ctx)

	client := newTestClient(hub, "", "v1")
	hub.register <- client

	// Hub 已随关停退出：连接协程交还自身时不得永久阻塞
	cancel()
	detached := make(chan struct{})
	go func() {
		client.detach()
		close(detached)
	}()
	select {
	case <-detached:
	case <-time.After(2 * time.Second):
		t.Fatal("detach blocked after hub shutdown")
	}
}
