package playback

import "time"

// HandleState is a point-in-time snapshot of a tracked media element, the
// unit the selector scores. The underlying element lives in the page; this
// struct is a non-owning copy assembled from observed events.
type HandleState struct {
	ID              string    `json:"id"` // UUIDv7, med_ prefix
	PageID          string    `json:"page_id"`
	Tag             string    `json:"tag"`
	XPath           string    `json:"xpath"`
	IsPlaying       bool      `json:"is_playing"`
	Visibility      float64   `json:"visibility"` // intersection ratio [0,1]
	AreaPx          float64   `json:"area_px"`
	Rate            float64   `json:"rate"`
	CurrentTime     float64   `json:"current_time"`
	Duration        float64   `json:"duration"`
	LastInteraction time.Time `json:"last_interaction"`
	DiscoveredAt    time.Time `json:"discovered_at"`
}
