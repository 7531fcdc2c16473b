package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	httpx "github.com/shortontech/sinkflow/internal/http"
	"github.com/shortontech/sinkflow/internal/stream"
)

// testItem is the record shape test mode pushes through the pipeline.
type testItem struct {
	ID   string `json:"id"`
	TS   string `json:"ts"`
	Kind string `json:"kind"`
	Seq  int    `json:"seq"`
	Note string `json:"note,omitempty"`
}

var testKinds = []string{"order.created", "order.paid", "order.shipped", "refund.requested", "heartbeat"}

// generateTestItems creates sample items for exercising the sinks
func generateTestItems() []testItem {
	now := time.Now().UTC()
	items := make([]testItem, len(testKinds))
	for i, kind := range testKinds {
		items[i] = testItem{
			ID:   uuid.New().String(),
			TS:   now.Add(time.Duration(i) * time.Second).Format(time.RFC3339),
			Kind: kind,
			Seq:  i + 1,
		}
	}
	items[len(items)-1].Note = "last test item"
	return items
}

const testItemTimeout = 5 * time.Second

// runTestMode emits the generated items one by one and logs how each settled.
func runTestMode(ctx context.Context, emit httpx.EmitFunc, log *slog.Logger, delay time.Duration) (sent, failed int) {
	items := generateTestItems()
	log.Info("test mode: sending items", "count", len(items))

	for i, it := range items {
		payload, err := json.Marshal(it)
		if err != nil {
			log.Error("test mode: encode failed", "id", it.ID, "error", err)
			failed++
			continue
		}

		outs, err := emit(ctx, payload)
		if err == nil {
			waitCtx, cancel := context.WithTimeout(ctx, testItemTimeout)
			err = stream.WaitAll(waitCtx, outs...)
			cancel()
		}
		if err != nil {
			log.Warn("test mode: item failed", "seq", it.Seq, "id", it.ID, "error", err)
			failed++
		} else {
			log.Info("test mode: item delivered", "seq", it.Seq, "kind", it.Kind, "id", it.ID)
			sent++
		}

		if i < len(items)-1 && delay > 0 {
			select {
			case <-ctx.Done():
				return sent, failed
			case <-time.After(delay):
			}
		}
	}

	log.Info("test mode: done", "sent", sent, "failed", failed)
	return sent, failed
}
