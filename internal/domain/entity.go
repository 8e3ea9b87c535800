// Package domain defines the wire entities received from Mastodon-compatible
// backends and the persistence models that the local store keeps for them.
// The stored models are mapped with GORM and shared across the repository,
// service and transport layers.
package domain

import (
	"encoding/json"
	"time"
)

// Account is the author of a status or the actor of a notification.
type Account struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Acct        string `json:"acct"`
	DisplayName string `json:"display_name"`
	URL         string `json:"url"`
	Avatar      string `json:"avatar"`
	Bot         bool   `json:"bot,omitempty"`
}

// Tag is a hashtag carried by a status.
type Tag struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// MediaAttachment is a media item attached to a status.
type MediaAttachment struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	URL         string `json:"url"`
	PreviewURL  string `json:"preview_url,omitempty"`
	Description string `json:"description,omitempty"`
}

// Mention references an account mentioned in a status.
type Mention struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Acct     string `json:"acct"`
	URL      string `json:"url"`
}

// Status is a post as returned by the REST API and the streaming API.
//
// Only the fields the engine reads are typed. A Status decoded from JSON
// keeps the document it was decoded from in Raw, and encoding it writes Raw
// back, so fields without a typed counterpart (pinned, filtered, account
// counters, media meta and so on) survive storage. Changes made to the typed
// fields of a decoded Status are not encoded; flag changes go through
// ActionKind, which patches both.
type Status struct {
	ID                 string            `json:"id"`
	URI                string            `json:"uri"`
	URL                string            `json:"url,omitempty"`
	CreatedAt          string            `json:"created_at"`
	EditedAt           *string           `json:"edited_at,omitempty"`
	Account            Account           `json:"account"`
	Content            string            `json:"content"`
	SpoilerText        string            `json:"spoiler_text"`
	Visibility         string            `json:"visibility"`
	Sensitive          bool              `json:"sensitive"`
	Language           *string           `json:"language,omitempty"`
	InReplyToID        *string           `json:"in_reply_to_id,omitempty"`
	InReplyToAccountID *string           `json:"in_reply_to_account_id,omitempty"`
	MediaAttachments   []MediaAttachment `json:"media_attachments"`
	Mentions           []Mention         `json:"mentions"`
	Tags               []Tag             `json:"tags"`
	RepliesCount       int               `json:"replies_count"`
	ReblogsCount       int               `json:"reblogs_count"`
	FavouritesCount    int               `json:"favourites_count"`
	Favourited         bool              `json:"favourited"`
	Reblogged          bool              `json:"reblogged"`
	Bookmarked         bool              `json:"bookmarked"`
	Reblog             *Status           `json:"reblog,omitempty"`
	Emojis             json.RawMessage   `json:"emojis,omitempty"`
	Poll               json.RawMessage   `json:"poll,omitempty"`
	Card               json.RawMessage   `json:"card,omitempty"`
	Application        json.RawMessage   `json:"application,omitempty"`

	Raw json.RawMessage `json:"-"`
}

type plainStatus Status

// UnmarshalJSON decodes the typed fields and keeps b in Raw.
func (s *Status) UnmarshalJSON(b []byte) error {
	var p plainStatus
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = Status(p)
	s.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON writes Raw when set and the typed fields otherwise.
func (s Status) MarshalJSON() ([]byte, error) {
	if len(s.Raw) > 0 {
		return s.Raw, nil
	}
	return json.Marshal(plainStatus(s))
}

// Notification is a notification as returned by the REST and streaming APIs.
// Like Status it keeps and re-encodes the document it was decoded from.
type Notification struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	CreatedAt string  `json:"created_at"`
	Account   Account `json:"account"`
	Status    *Status `json:"status,omitempty"`

	Raw json.RawMessage `json:"-"`
}

type plainNotification Notification

// UnmarshalJSON decodes the typed fields and keeps b in Raw.
func (n *Notification) UnmarshalJSON(b []byte) error {
	var p plainNotification
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*n = Notification(p)
	n.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON writes Raw when set and the typed fields otherwise.
func (n Notification) MarshalJSON() ([]byte, error) {
	if len(n.Raw) > 0 {
		return n.Raw, nil
	}
	return json.Marshal(plainNotification(n))
}

// patchRaw replaces one top-level member of a JSON object.
func patchRaw(raw json.RawMessage, field string, v any) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	obj[field] = b
	return json.Marshal(obj)
}

// ParseCreatedAt converts a wire ISO-8601 timestamp into Unix milliseconds.
// Ordering always uses the numeric value; the string is never compared.
func ParseCreatedAt(s string) (int64, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

// HasMedia reports whether the status (or the status it reblogs) carries at
// least one media attachment.
func (s *Status) HasMedia() bool {
	if s == nil {
		return false
	}
	if len(s.MediaAttachments) > 0 {
		return true
	}
	return s.Reblog != nil && len(s.Reblog.MediaAttachments) > 0
}

// ActionKind names a boolean interaction flag on a status.
type ActionKind string

// Interaction flags that can be toggled locally.
const (
	ActionFavourited ActionKind = "favourited"
	ActionReblogged  ActionKind = "reblogged"
	ActionBookmarked ActionKind = "bookmarked"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionFavourited, ActionReblogged, ActionBookmarked:
		return true
	}
	return false
}

// Apply sets the flag named by k on s, in the typed field and in Raw.
func (k ActionKind) Apply(s *Status, value bool) error {
	if s == nil || !k.Valid() {
		return nil
	}
	switch k {
	case ActionFavourited:
		s.Favourited = value
	case ActionReblogged:
		s.Reblogged = value
	case ActionBookmarked:
		s.Bookmarked = value
	}
	raw, err := patchRaw(s.Raw, string(k), value)
	if err != nil {
		return err
	}
	s.Raw = raw
	return nil
}

// ApplyToReblog sets the flag on the status s reblogs.
func (k ActionKind) ApplyToReblog(s *Status, value bool) error {
	if s == nil || s.Reblog == nil {
		return nil
	}
	if err := k.Apply(s.Reblog, value); err != nil {
		return err
	}
	raw, err := patchRaw(s.Raw, "reblog", s.Reblog)
	if err != nil {
		return err
	}
	s.Raw = raw
	return nil
}

// ApplyToNotification sets the flag on the status n embeds.
func (k ActionKind) ApplyToNotification(n *Notification, value bool) error {
	if n == nil || n.Status == nil {
		return nil
	}
	if err := k.Apply(n.Status, value); err != nil {
		return err
	}
	raw, err := patchRaw(n.Raw, "status", n.Status)
	if err != nil {
		return err
	}
	n.Raw = raw
	return nil
}

// PageRequest describes one REST page to fetch from a backend. MaxID pages
// backwards from (and excluding) that remote id; empty means newest.
type PageRequest struct {
	Category  TimelineType
	Tag       string
	MaxID     string
	Limit     int
	OnlyMedia bool
}
