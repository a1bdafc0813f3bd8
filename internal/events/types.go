// Package events provides an asynchronous, typed publish/subscribe bus for
// regeneration notifications and a per-key debouncer used by its consumers.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/catalogkit/assetview/internal/imageresolver"
)

// RegenerationEvent reports that the background pipeline advanced a product
type RegenerationEvent struct {
	ID           uuid.UUID                `json:"id"`
	ProductID    string                   `json:"product_id"`
	Phase        imageresolver.Phase      `json:"phase"`
	Timestamp    time.Time                `json:"timestamp"`
	ThumbnailURL string                   `json:"thumbnail_url,omitempty"`
	Thumbnails   imageresolver.Thumbnails `json:"thumbnails"`
	ImageCount   int                      `json:"image_count,omitempty"`
}

// NewRegenerationEvent creates an event with a fresh ID and the current time
func NewRegenerationEvent(productID string, phase imageresolver.Phase) RegenerationEvent {
	return RegenerationEvent{
		ID:        uuid.New(),
		ProductID: productID,
		Phase:     phase,
		Timestamp: time.Now(),
	}
}

// PhaseData returns the URLs carried by the event, if any
func (e RegenerationEvent) PhaseData() (imageresolver.PhaseData, bool) {
	d := imageresolver.PhaseData{ThumbnailURL: e.ThumbnailURL, Thumbnails: e.Thumbnails}
	return d, !d.IsZero()
}

// Handler consumes one event. A returned error is counted and logged.
type Handler func(RegenerationEvent) error

// BusStats contains runtime statistics for monitoring
type BusStats struct {
	EventsReceived  uint64 `json:"events_received"`
	EventsProcessed uint64 `json:"events_processed"`
	EventsDropped   uint64 `json:"events_dropped"`
	ConsumerErrors  uint64 `json:"consumer_errors"`
	FastPathHits    uint64 `json:"fast_path_hits"`
	Subscribers     int    `json:"subscribers"`
	Pending         int    `json:"pending"`
}

// DebouncerStats contains debouncer counters
type DebouncerStats struct {
	Triggered uint64 `json:"triggered"`
	Coalesced uint64 `json:"coalesced"`
	Fired     uint64 `json:"fired"`
	Cancelled uint64 `json:"cancelled"`
	Pending   int    `json:"pending"`
}
