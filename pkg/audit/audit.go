// Package audit records security- and money-relevant events (webhook
// rejections, payment outcomes, status changes) off the request path.
package audit

import (
	"context"
	"fmt"
	"time"
)

type Entry struct {
	Service   string         `bson:"service" json:"service"`
	Action    string         `bson:"action" json:"action"`
	EntityID  string         `bson:"entity_id" json:"entity_id"`
	Data      map[string]any `bson:"data" json:"data"`
	CreatedAt time.Time      `bson:"created_at" json:"created_at"`
}

// Sink persists entries.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// Reader loads the newest entries for one entity.
type Reader interface {
	List(ctx context.Context, entityID string, limit int64) ([]Entry, error)
}

// Recorder accepts entries without blocking the caller.
type Recorder interface {
	Record(entry Entry)
}

type discard struct{}

func (discard) Record(Entry) {}

// Discard returns a Recorder that drops every entry.
func Discard() Recorder { return discard{} }

// OrderEntity is the entity id every service records order events under.
func OrderEntity(orderID uint) string {
	return fmt.Sprintf("order-%d", orderID)
}
