package mqtt

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/events"
	"github.com/catalogkit/assetview/internal/imageresolver"
)

// message is the pipeline's wire format. Both snake_case and camelCase keys
// are accepted for the identity fields.
type message struct {
	EventID      string                   `json:"event_id"`
	ProductID    string                   `json:"product_id"`
	ProductIDAlt string                   `json:"productId"`
	Phase        string                   `json:"phase"`
	Timestamp    wireTime                 `json:"timestamp"`
	ThumbnailURL string                   `json:"thumbnail_url"`
	ThumbURLAlt  string                   `json:"thumbnailUrl"`
	Thumbnails   imageresolver.Thumbnails `json:"thumbnails"`
	ImageCount   int                      `json:"image_count"`
}

// wireTime accepts RFC 3339 strings or Unix milliseconds
type wireTime struct{ time.Time }

func (t *wireTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	t.Time = time.UnixMilli(ms)
	return nil
}

// decode parses a payload into an event
func decode(payload []byte) (events.RegenerationEvent, error) {
	var m message
	if err := json.Unmarshal(payload, &m); err != nil {
		return events.RegenerationEvent{}, errors.New(err).
			Component("mqtt").
			Category(errors.CategoryValidation).
			Context("operation", "decode_payload").
			Build()
	}

	productID := strings.TrimSpace(m.ProductID)
	if productID == "" {
		productID = strings.TrimSpace(m.ProductIDAlt)
	}
	if productID == "" {
		return events.RegenerationEvent{}, errors.Newf("regeneration message without product id").
			Component("mqtt").
			Category(errors.CategoryValidation).
			Build()
	}
	phase := imageresolver.Phase(strings.TrimSpace(m.Phase))
	if !phase.Valid() {
		return events.RegenerationEvent{}, errors.Newf("unknown regeneration phase %q", m.Phase).
			Component("mqtt").
			Category(errors.CategoryValidation).
			Context("product_id", productID).
			Build()
	}

	id, err := uuid.Parse(m.EventID)
	if err != nil {
		id = uuid.New()
	}
	thumbURL := m.ThumbnailURL
	if thumbURL == "" {
		thumbURL = m.ThumbURLAlt
	}

	return events.RegenerationEvent{
		ID:           id,
		ProductID:    productID,
		Phase:        phase,
		Timestamp:    m.Timestamp.Time,
		ThumbnailURL: thumbURL,
		Thumbnails:   m.Thumbnails,
		ImageCount:   m.ImageCount,
	}, nil
}
