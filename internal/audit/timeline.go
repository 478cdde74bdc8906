package audit

import (
	"time"

	"github.com/google/uuid"
)

// TimelineFilters narrows the audit trail.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	ActorID  int64
	Entity   string
	EntityID string
	Action   string
	Page     int
	PageSize int
}

// TimelineRow is one audit_logs record.
type TimelineRow struct {
	ID       int64          `json:"id"`
	EventID  uuid.UUID      `json:"event_id"`
	At       time.Time      `json:"at"`
	ActorID  int64          `json:"actor_id"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// PagingInfo carries simple page metadata.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result wraps a timeline page.
type Result struct {
	Rows   []TimelineRow `json:"rows"`
	Paging PagingInfo    `json:"paging"`
}

// eventNamespace scopes audit event ids so they never collide with ids
// derived for other records.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("bakery.audit_logs"))

// EventID returns the stable correlation id for an audit row.
func EventID(rowID int64) uuid.UUID {
	return uuid.NewSHA1(eventNamespace, []byte("audit:"+itoa(rowID)))
}
