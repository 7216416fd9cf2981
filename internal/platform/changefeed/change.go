// Package changefeed turns PostgreSQL row-change notifications into typed
// changes and fans them out to tenant-scoped subscriptions.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChangeType is the kind of row operation. Values are bit flags so a filter
// can watch several operations at once.
type ChangeType int

const (
	Insert ChangeType = 1 << iota
	Update
	Delete

	All = Insert | Update | Delete
)

// ParseChangeType maps a trigger operation name (TG_OP) to a ChangeType.
func ParseChangeType(op string) (ChangeType, error) {
	switch strings.ToUpper(op) {
	case "INSERT":
		return Insert, nil
	case "UPDATE":
		return Update, nil
	case "DELETE":
		return Delete, nil
	}
	return 0, fmt.Errorf("unknown change type %q", op)
}

func (t ChangeType) String() string {
	switch t {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	case All:
		return "all"
	}
	var parts []string
	for _, single := range []ChangeType{Insert, Update, Delete} {
		if t&single != 0 {
			parts = append(parts, single.String())
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Change is one row-level change of a watched table.
type Change struct {
	Table       string
	Type        ChangeType
	StructureID uuid.UUID
	New         json.RawMessage
	Old         json.RawMessage
	CommitTime  time.Time
}

// DecodeNew unmarshals the new row image into v.
func (c Change) DecodeNew(v interface{}) error {
	if len(c.New) == 0 || string(c.New) == "null" {
		return fmt.Errorf("%s %s change has no new row", c.Table, c.Type)
	}
	return json.Unmarshal(c.New, v)
}

// DecodeOld unmarshals the old row image into v.
func (c Change) DecodeOld(v interface{}) error {
	if len(c.Old) == 0 || string(c.Old) == "null" {
		return fmt.Errorf("%s %s change has no old row", c.Table, c.Type)
	}
	return json.Unmarshal(c.Old, v)
}

// Filter selects the changes a subscription receives.
type Filter struct {
	Table       string
	StructureID uuid.UUID
	Types       ChangeType
}

// Matches reports whether c passes the filter.
func (f Filter) Matches(c Change) bool {
	return f.Table == c.Table && f.StructureID == c.StructureID && f.Types&c.Type != 0
}

func (f Filter) validate() error {
	if f.Table == "" {
		return fmt.Errorf("filter has no table")
	}
	if f.StructureID == uuid.Nil {
		return fmt.Errorf("filter on %s has no structure", f.Table)
	}
	if f.Types&All == 0 {
		return fmt.Errorf("filter on %s watches no change type", f.Table)
	}
	return nil
}

// Handler consumes changes. It runs on the subscription's own goroutine, so
// it may block on lookups without stalling other subscriptions. ctx is
// cancelled when the subscription is released.
type Handler func(ctx context.Context, c Change)

// Subscription is a live registration on a Feed.
type Subscription interface {
	// Unsubscribe stops delivery and waits for an in-flight handler call to
	// return. It must not be called from within the subscription's handler.
	Unsubscribe()
}

// Feed opens subscriptions on a change stream.
type Feed interface {
	Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error)
}

// wirePayload is the JSON object written by the notify_row_change trigger.
type wirePayload struct {
	Table       string          `json:"table"`
	Type        string          `json:"type"`
	StructureID uuid.UUID       `json:"structure_id"`
	New         json.RawMessage `json:"new"`
	Old         json.RawMessage `json:"old"`
	CommitTime  time.Time       `json:"commit_time"`
}

// DecodePayload parses a notification payload.
func DecodePayload(payload string) (Change, error) {
	var w wirePayload
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return Change{}, fmt.Errorf("decode change payload: %w", err)
	}
	if w.Table == "" {
		return Change{}, fmt.Errorf("decode change payload: missing table")
	}
	ct, err := ParseChangeType(w.Type)
	if err != nil {
		return Change{}, fmt.Errorf("decode change payload: %w", err)
	}
	return Change{
		Table:       w.Table,
		Type:        ct,
		StructureID: w.StructureID,
		New:         w.New,
		Old:         w.Old,
		CommitTime:  w.CommitTime,
	}, nil
}
