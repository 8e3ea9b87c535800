package timeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tbourn/fedi-timeline-sync/internal/domain"
)

// CurrentVersion is the schema version written by Encode.
const CurrentVersion = 2

// Document is the persisted timeline configuration blob.
type Document struct {
	Version   int      `json:"version"`
	Timelines []Config `json:"timelines"`
}

// Errors reported for dropped configuration entries.
var (
	ErrMissingID     = errors.New("timeline entry has no string id")
	ErrMissingType   = errors.New("timeline entry has no string type")
	ErrUnknownType   = errors.New("timeline entry has an unknown type")
	ErrNotAnObject   = errors.New("timeline entry is not an object")
	ErrDuplicateID   = errors.New("timeline entry id is duplicated")
	ErrBadVersion    = errors.New("unsupported configuration version")
	ErrMalformedBlob = errors.New("configuration blob is not valid JSON")
)

// EntryError describes one dropped entry.
type EntryError struct {
	Index int
	Err   error
}

func (e EntryError) Error() string { return fmt.Sprintf("timelines[%d]: %v", e.Index, e.Err) }

func (e EntryError) Unwrap() error { return e.Err }

// ParseResult is the outcome of Parse: the usable document, the entries that
// were dropped, and whether a legacy document was migrated.
type ParseResult struct {
	Document Document
	Dropped  []EntryError
	Migrated bool
}

// legacyEntry is the versionless (v1) shape of a timeline entry.
type legacyEntry struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Visible *bool  `json:"visible"`
	Order   *int   `json:"order"`
	Tag     string `json:"tag"`
}

// Parse decodes a persisted configuration blob. Versionless input (a bare
// array, or an object without "version") is treated as v1 and migrated to
// the current schema. Entries failing shape validation are dropped and
// reported rather than guessed at. An undecodable blob yields an error and
// the caller falls back to Defaults.
func Parse(raw []byte) (ParseResult, error) {
	var head struct {
		Version   *int              `json:"version"`
		Timelines []json.RawMessage `json:"timelines"`
	}
	var entries []json.RawMessage

	if err := json.Unmarshal(raw, &entries); err == nil {
		return parseV1(entries), nil
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ParseResult{}, ErrMalformedBlob
	}
	if head.Version == nil || *head.Version == 1 {
		return parseV1(head.Timelines), nil
	}
	if *head.Version != CurrentVersion {
		return ParseResult{}, fmt.Errorf("%w: %d", ErrBadVersion, *head.Version)
	}
	return parseV2(head.Timelines), nil
}

// Encode serializes cfgs as a current-version document.
func Encode(cfgs []Config) ([]byte, error) {
	if cfgs == nil {
		cfgs = []Config{}
	}
	return json.Marshal(Document{Version: CurrentVersion, Timelines: cfgs})
}

func parseV1(entries []json.RawMessage) ParseResult {
	res := ParseResult{Document: Document{Version: CurrentVersion}, Migrated: true}
	seen := map[string]struct{}{}
	for i, raw := range entries {
		cfg, err := migrateEntry(raw, i)
		if err == nil {
			err = claimID(seen, cfg.ID)
		}
		if err != nil {
			res.Dropped = append(res.Dropped, EntryError{Index: i, Err: err})
			continue
		}
		res.Document.Timelines = append(res.Document.Timelines, cfg)
	}
	return res
}

func parseV2(entries []json.RawMessage) ParseResult {
	res := ParseResult{Document: Document{Version: CurrentVersion}}
	seen := map[string]struct{}{}
	for i, raw := range entries {
		cfg, err := decodeEntry(raw)
		if err == nil {
			err = claimID(seen, cfg.ID)
		}
		if err != nil {
			res.Dropped = append(res.Dropped, EntryError{Index: i, Err: err})
			continue
		}
		res.Document.Timelines = append(res.Document.Timelines, cfg)
	}
	return res
}

func claimID(seen map[string]struct{}, id string) error {
	if _, dup := seen[id]; dup {
		return ErrDuplicateID
	}
	seen[id] = struct{}{}
	return nil
}

// checkShape validates the minimal shape shared by every version: string id
// and string type naming a known category.
func checkShape(raw json.RawMessage) (id string, typ domain.TimelineType, err error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return "", "", ErrNotAnObject
	}
	if err := json.Unmarshal(obj["id"], &id); err != nil || id == "" {
		return "", "", ErrMissingID
	}
	var t string
	if err := json.Unmarshal(obj["type"], &t); err != nil || t == "" {
		return "", "", ErrMissingType
	}
	typ = domain.TimelineType(t)
	if !typ.Valid() {
		return "", "", ErrUnknownType
	}
	return id, typ, nil
}

// migrateEntry upgrades one v1 entry: backend filter defaults to all,
// onlyMedia is true only for the legacy public timeline, a non-empty legacy
// tag becomes an "or" tag config, and label stays unset.
func migrateEntry(raw json.RawMessage, index int) (Config, error) {
	id, typ, err := checkShape(raw)
	if err != nil {
		return Config{}, err
	}
	var legacy legacyEntry
	_ = json.Unmarshal(raw, &legacy)

	cfg := Config{
		ID:            id,
		Type:          typ,
		Visible:       true,
		Order:         index,
		BackendFilter: All(),
		OnlyMedia:     typ == domain.TimelinePublic,
	}
	if legacy.Visible != nil {
		cfg.Visible = *legacy.Visible
	}
	if legacy.Order != nil {
		cfg.Order = *legacy.Order
	}
	if typ == domain.TimelineTag && NormalizeTag(legacy.Tag) != "" {
		cfg.TagConfig = &TagConfig{Mode: TagModeOr, Tags: []string{NormalizeTag(legacy.Tag)}}
	}
	return cfg, nil
}

func decodeEntry(raw json.RawMessage) (Config, error) {
	if _, _, err := checkShape(raw); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		// Shape is fine but an optional field is malformed: keep what the
		// shape check guarantees and default the rest.
		id, typ, _ := checkShape(raw)
		cfg = Config{ID: id, Type: typ, Visible: true, BackendFilter: All()}
	}
	switch cfg.BackendFilter.Mode {
	case FilterAll, FilterSingle, FilterComposite:
	default:
		cfg.BackendFilter = All()
	}
	return cfg, nil
}
