// Package domain defines the persistence models for statuses, notifications,
// their secondary membership indices and engine settings.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"sort"
)

// TimelineType is a timeline category. Statuses carry a set of the status
// categories (home, local, public, tag); notifications have their own.
type TimelineType string

// Known timeline categories.
const (
	TimelineHome         TimelineType = "home"
	TimelineLocal        TimelineType = "local"
	TimelinePublic       TimelineType = "public"
	TimelineTag          TimelineType = "tag"
	TimelineNotification TimelineType = "notification"
)

// StatusCategories lists the categories a stored status can belong to.
var StatusCategories = []TimelineType{TimelineHome, TimelineLocal, TimelinePublic, TimelineTag}

// Valid reports whether t is one of the known timeline categories.
func (t TimelineType) Valid() bool {
	switch t {
	case TimelineHome, TimelineLocal, TimelinePublic, TimelineTag, TimelineNotification:
		return true
	}
	return false
}

// IsStatusCategory reports whether t is a membership category of statuses.
func (t TimelineType) IsStatusCategory() bool {
	return t.Valid() && t != TimelineNotification
}

// CompositeKey builds the globally unique primary key of a stored record.
func CompositeKey(backendURL, remoteID string) string {
	return backendURL + ":" + remoteID
}

// StringSet is a sorted, duplicate-free set of strings persisted as a JSON
// array in a TEXT column.
type StringSet []string

// NewStringSet builds a normalized set from vals.
func NewStringSet(vals ...string) StringSet {
	var s StringSet
	return s.Add(vals...)
}

// Has reports whether v is in the set.
func (s StringSet) Has(v string) bool {
	i := sort.SearchStrings(s, v)
	return i < len(s) && s[i] == v
}

// Add returns the union of s and vals. Empty strings are ignored.
func (s StringSet) Add(vals ...string) StringSet {
	out := make(StringSet, 0, len(s)+len(vals))
	out = append(out, s...)
	for _, v := range vals {
		if v == "" || out.Has(v) {
			continue
		}
		out = append(out, v)
		sort.Strings(out)
	}
	return out
}

// Remove returns s without vals.
func (s StringSet) Remove(vals ...string) StringSet {
	out := make(StringSet, 0, len(s))
	for _, v := range s {
		drop := false
		for _, r := range vals {
			if v == r {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, v)
		}
	}
	return out
}

// Value implements driver.Valuer.
func (s StringSet) Value() (driver.Value, error) {
	if s == nil {
		s = StringSet{}
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *StringSet) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*s = StringSet{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return errors.New("StringSet: unsupported column type")
	}
	var vals []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &vals); err != nil {
			return err
		}
	}
	*s = NewStringSet(vals...)
	return nil
}

// StoredStatus is one status as known to one backend.
//
// Fields:
//   - CompositeKey: backendURL + ":" + RemoteID, primary key.
//   - BackendURL / CreatedAtMs: composite index for per-backend recency scans.
//   - TimelineTypes / BelongingTags: membership sets; mirrored row-by-row in
//     StatusMembership and StatusTag for indexed lookups.
//   - ReblogKey: composite key of the embedded reblog, used for action fan-out.
//   - StoredAt: insert/refresh wall clock in ms, used by the TTL sweep.
//   - Payload: the wire JSON of the status.
type StoredStatus struct {
	CompositeKey  string    `json:"composite_key"  gorm:"type:TEXT;primaryKey"`
	BackendURL    string    `json:"backend_url"    gorm:"type:TEXT;not null;index:idx_status_backend_created,priority:1"`
	RemoteID      string    `json:"remote_id"      gorm:"type:TEXT;not null"`
	CreatedAtMs   int64     `json:"created_at_ms"  gorm:"not null;index:idx_status_backend_created,priority:2"`
	TimelineTypes StringSet `json:"timeline_types" gorm:"type:TEXT;not null"`
	BelongingTags StringSet `json:"belonging_tags" gorm:"type:TEXT;not null"`
	ReblogKey     string    `json:"reblog_key,omitempty" gorm:"type:TEXT;index"`
	Favourited    bool      `json:"favourited"`
	Reblogged     bool      `json:"reblogged"`
	Bookmarked    bool      `json:"bookmarked"`
	StoredAt      int64     `json:"stored_at"      gorm:"not null;index"`
	Payload       []byte    `json:"-"              gorm:"type:BLOB;not null"`
}

// TableName returns the database table name for StoredStatus.
func (StoredStatus) TableName() string { return "statuses" }

// Decode unmarshals the stored wire payload.
func (s *StoredStatus) Decode() (*Status, error) {
	var st Status
	if err := json.Unmarshal(s.Payload, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// StatusMembership is one row of the category membership index.
type StatusMembership struct {
	CompositeKey string       `gorm:"type:TEXT;primaryKey"`
	TimelineType TimelineType `gorm:"type:TEXT;primaryKey;index:idx_membership_type_backend_created,priority:1"`
	BackendURL   string       `gorm:"type:TEXT;not null;index:idx_membership_type_backend_created,priority:2"`
	CreatedAtMs  int64        `gorm:"not null;index:idx_membership_type_backend_created,priority:3"`
}

// TableName returns the database table name for StatusMembership.
func (StatusMembership) TableName() string { return "status_timeline_types" }

// StatusTag is one row of the tag membership index.
type StatusTag struct {
	CompositeKey string `gorm:"type:TEXT;primaryKey"`
	Tag          string `gorm:"type:TEXT;primaryKey;index:idx_tag_backend_created,priority:1"`
	BackendURL   string `gorm:"type:TEXT;not null;index:idx_tag_backend_created,priority:2"`
	CreatedAtMs  int64  `gorm:"not null;index:idx_tag_backend_created,priority:3"`
}

// TableName returns the database table name for StatusTag.
func (StatusTag) TableName() string { return "status_tags" }

// StoredNotification mirrors StoredStatus keying for notifications. It has a
// single implicit category ("notification").
type StoredNotification struct {
	CompositeKey string `json:"composite_key" gorm:"type:TEXT;primaryKey"`
	BackendURL   string `json:"backend_url"   gorm:"type:TEXT;not null;index:idx_notification_backend_created,priority:1"`
	RemoteID     string `json:"remote_id"     gorm:"type:TEXT;not null"`
	CreatedAtMs  int64  `json:"created_at_ms" gorm:"not null;index:idx_notification_backend_created,priority:2"`
	Type         string `json:"type"          gorm:"type:TEXT"`
	StatusKey    string `json:"status_key,omitempty" gorm:"type:TEXT;index"`
	StoredAt     int64  `json:"stored_at"     gorm:"not null;index"`
	Payload      []byte `json:"-"             gorm:"type:BLOB;not null"`
}

// TableName returns the database table name for StoredNotification.
func (StoredNotification) TableName() string { return "notifications" }

// Decode unmarshals the stored wire payload.
func (n *StoredNotification) Decode() (*Notification, error) {
	var out Notification
	if err := json.Unmarshal(n.Payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SchemaMeta holds the schema version marker of the local store.
type SchemaMeta struct {
	ID      int `gorm:"primaryKey"`
	Version int `gorm:"not null"`
}

// TableName returns the database table name for SchemaMeta.
func (SchemaMeta) TableName() string { return "schema_meta" }

// Setting is a versioned JSON blob keyed by name (e.g. the timeline
// configuration document).
type Setting struct {
	Key       string `gorm:"type:TEXT;primaryKey"`
	Value     []byte `gorm:"type:BLOB;not null"`
	UpdatedAt int64  `gorm:"not null"`
}

// TableName returns the database table name for Setting.
func (Setting) TableName() string { return "settings" }
