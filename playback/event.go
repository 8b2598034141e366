// Package playback defines the structured types emitted by mediawatch.
// These are the public API contract: any consumer (controller, custom
// pipelines) imports this package to receive and process media observations.
package playback

// Op is the type of media event observed.
type Op string

const (
	OpFound      Op = "found"      // new media element discovered (includes geometry)
	OpRemoved    Op = "removed"    // element left the document
	OpPlay       Op = "play"       // playback started
	OpPause      Op = "pause"      // playback paused or ended
	OpRateChange Op = "ratechange" // playbackRate changed (any origin)
	OpSeeked     Op = "seeked"     // seek completed
	OpTimeUpdate Op = "timeupdate" // periodic position report (loop enforcement)
	OpInteract   Op = "interact"   // user clicked/touched the element
	OpVisibility Op = "visibility" // intersection ratio changed
	OpKey        Op = "key"        // global keydown captured on the page
	OpControl    Op = "control"    // overlay widget button pressed
)

// Event is a single media observation. Fields are populated per Op:
// geometry on found/visibility, Rate on ratechange, Time on seeked and
// timeupdate, Code on key, Action on control.
type Event struct {
	Op       Op      `json:"op"`
	HandleID string  `json:"handle_id,omitempty"`
	Tag      string  `json:"tag,omitempty"`   // video or audio
	XPath    string  `json:"xpath,omitempty"` // pierces open shadow roots
	Rate     float64 `json:"rate,omitempty"`
	Time     float64 `json:"time,omitempty"`     // currentTime in seconds
	Duration float64 `json:"duration,omitempty"` // NaN durations are omitted by JS
	Playing  bool    `json:"playing,omitempty"`
	Visible  float64 `json:"visible,omitempty"` // intersection ratio [0,1]
	AreaPx   float64 `json:"area_px,omitempty"` // bounding-box area in CSS pixels
	Muted    bool    `json:"muted,omitempty"`
	Code     string  `json:"code,omitempty"`   // KeyboardEvent.code for key
	Action   string  `json:"action,omitempty"` // overlay action for control
}

// Batch is the atomic unit emitted by the watcher. One batch = all events
// collected during a single debounce window.
type Batch struct {
	ID        string  `json:"id"` // UUIDv7, bat_ prefix
	PageURL   string  `json:"page_url"`
	PageID    string  `json:"page_id"` // stable identifier provided by caller
	Seq       uint64  `json:"seq"`     // monotonically increasing per page (gap detection)
	Events    []Event `json:"events"`
	Timestamp int64   `json:"timestamp"` // epoch milliseconds at flush
}
