package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:domain_models_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		StoredStatus{}.TableName():       "statuses",
		StatusMembership{}.TableName():   "status_timeline_types",
		StatusTag{}.TableName():          "status_tags",
		StoredNotification{}.TableName(): "notifications",
		SchemaMeta{}.TableName():         "schema_meta",
		Setting{}.TableName():            "settings",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("TableName() = %q; want %q", got, want)
		}
	}
}

func TestMigrations_Indexes(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&StoredStatus{}, &StatusMembership{}, &StatusTag{}, &StoredNotification{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()

	checks := []struct {
		model any
		index string
	}{
		{&StoredStatus{}, "idx_status_backend_created"},
		{&StatusMembership{}, "idx_membership_type_backend_created"},
		{&StatusTag{}, "idx_tag_backend_created"},
		{&StoredNotification{}, "idx_notification_backend_created"},
	}
	for _, c := range checks {
		if !m.HasIndex(c.model, c.index) {
			t.Fatalf("expected index %s on %T", c.index, c.model)
		}
	}
}

func TestStringSet_RoundTrip(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&StoredStatus{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	rec := StoredStatus{
		CompositeKey:  CompositeKey("https://x", "1"),
		BackendURL:    "https://x",
		RemoteID:      "1",
		CreatedAtMs:   1,
		TimelineTypes: NewStringSet("local", "home", "local"),
		BelongingTags: NewStringSet(),
		StoredAt:      1,
		Payload:       []byte(`{}`),
	}
	if err := db.Create(&rec).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	var got StoredStatus
	if err := db.First(&got, "composite_key = ?", "https://x:1").Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.TimelineTypes) != 2 || got.TimelineTypes[0] != "home" || got.TimelineTypes[1] != "local" {
		t.Fatalf("unexpected timeline types: %v", got.TimelineTypes)
	}
	if got.BelongingTags == nil || len(got.BelongingTags) != 0 {
		t.Fatalf("expected empty non-nil tag set, got %#v", got.BelongingTags)
	}
}

func TestStringSet_AddRemove(t *testing.T) {
	s := NewStringSet("b", "a")
	s = s.Add("c", "a", "")
	if fmt.Sprint(s) != "[a b c]" {
		t.Fatalf("Add: got %v", s)
	}
	s = s.Remove("b", "z")
	if fmt.Sprint(s) != "[a c]" || s.Has("b") || !s.Has("c") {
		t.Fatalf("Remove: got %v", s)
	}
}

func TestParseCreatedAt(t *testing.T) {
	ms, err := ParseCreatedAt("2024-05-01T10:00:00.123Z")
	if err != nil {
		t.Fatalf("ParseCreatedAt: %v", err)
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 123e6, time.UTC).UnixMilli()
	if ms != want {
		t.Fatalf("got %d want %d", ms, want)
	}
	// Offsets compare numerically, not lexicographically.
	a, _ := ParseCreatedAt("2024-05-01T12:00:00+02:00")
	b, _ := ParseCreatedAt("2024-05-01T10:30:00Z")
	if !(a < b) {
		t.Fatalf("expected %d < %d", a, b)
	}
	if _, err := ParseCreatedAt("not-a-date"); err == nil {
		t.Fatalf("expected error for invalid timestamp")
	}
}

func TestActionKind(t *testing.T) {
	st := &Status{}
	for _, k := range []ActionKind{ActionFavourited, ActionReblogged, ActionBookmarked} {
		if !k.Valid() {
			t.Fatalf("%s should be valid", k)
		}
		if err := k.Apply(st, true); err != nil {
			t.Fatalf("apply %s: %v", k, err)
		}
	}
	if !st.Favourited || !st.Reblogged || !st.Bookmarked {
		t.Fatalf("flags not applied: %+v", st)
	}
	if ActionKind("muted").Valid() {
		t.Fatalf("unknown kind must be invalid")
	}
}

func TestStatus_KeepsUntypedFields(t *testing.T) {
	in := `{"id":"1","created_at":"2024-05-01T10:00:00Z","pinned":true,"filtered":[{"keyword_matches":["x"]}],` +
		`"account":{"id":"a","acct":"alice","followers_count":12,"note":"hi","fields":[{"name":"web"}]},` +
		`"media_attachments":[{"id":"m","type":"image","blurhash":"UBL_","meta":{"small":{"width":4}},"remote_url":"https://r"}],` +
		`"reblog":{"id":"2","created_at":"2024-05-01T09:00:00Z","pinned":false,"favourited":false,"account":{"id":"b","acct":"bob"}}}`
	var st Status
	if err := json.Unmarshal([]byte(in), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Account.Acct != "alice" || len(st.MediaAttachments) != 1 || st.Reblog == nil {
		t.Fatalf("typed fields: %+v", st)
	}

	if err := ActionFavourited.Apply(&st, true); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := ActionBookmarked.ApplyToReblog(&st, true); err != nil {
		t.Fatalf("apply to reblog: %v", err)
	}
	out, err := json.Marshal(&st)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var doc struct {
		Pinned     bool              `json:"pinned"`
		Favourited bool              `json:"favourited"`
		Filtered   []json.RawMessage `json:"filtered"`
		Account    struct {
			FollowersCount int    `json:"followers_count"`
			Note           string `json:"note"`
		} `json:"account"`
		Media []struct {
			Blurhash  string          `json:"blurhash"`
			Meta      json.RawMessage `json:"meta"`
			RemoteURL string          `json:"remote_url"`
		} `json:"media_attachments"`
		Reblog struct {
			Bookmarked bool  `json:"bookmarked"`
			Pinned     *bool `json:"pinned"`
		} `json:"reblog"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !doc.Pinned || !doc.Favourited || len(doc.Filtered) != 1 {
		t.Fatalf("top level lost: %s", out)
	}
	if doc.Account.FollowersCount != 12 || doc.Account.Note != "hi" {
		t.Fatalf("account lost: %s", out)
	}
	if len(doc.Media) != 1 || doc.Media[0].Blurhash != "UBL_" || len(doc.Media[0].Meta) == 0 || doc.Media[0].RemoteURL != "https://r" {
		t.Fatalf("media lost: %s", out)
	}
	if !doc.Reblog.Bookmarked || doc.Reblog.Pinned == nil {
		t.Fatalf("reblog lost: %s", out)
	}
}

func TestNotification_ApplyPatchesEmbeddedStatus(t *testing.T) {
	in := `{"id":"n1","type":"favourite","created_at":"2024-05-01T10:00:00Z","group_key":"g1",` +
		`"account":{"id":"a","acct":"alice"},"status":{"id":"1","created_at":"2024-05-01T09:00:00Z","pinned":true}}`
	var n Notification
	if err := json.Unmarshal([]byte(in), &n); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := ActionReblogged.ApplyToNotification(&n, true); err != nil {
		t.Fatalf("apply: %v", err)
	}
	out, _ := json.Marshal(&n)
	var back Notification
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if back.Status == nil || !back.Status.Reblogged {
		t.Fatalf("flag not applied: %s", out)
	}
	if !strings.Contains(string(out), `"group_key":"g1"`) || !strings.Contains(string(out), `"pinned":true`) {
		t.Fatalf("untyped fields lost: %s", out)
	}
}

func TestStatus_HasMedia(t *testing.T) {
	if (&Status{}).HasMedia() {
		t.Fatalf("empty status has no media")
	}
	wrapped := &Status{Reblog: &Status{MediaAttachments: []MediaAttachment{{ID: "m"}}}}
	if !wrapped.HasMedia() {
		t.Fatalf("reblogged media should count")
	}
}
