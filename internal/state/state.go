// Package state keeps multi-step dialog progress durable across restarts and
// storage outages using a ranked chain of storage tiers.
package state

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Key identifies one dialog. At most one record exists per key per tier.
type Key struct {
	UserID int64  `json:"user_id"`
	ChatID int64  `json:"chat_id"`
	Kind   string `json:"conversation_kind"`
}

func (k Key) Validate() error {
	if strings.TrimSpace(k.Kind) == "" {
		return fmt.Errorf("%w: conversation kind required", ErrInvalidKey)
	}
	if k.UserID == 0 {
		return fmt.Errorf("%w: user id required", ErrInvalidKey)
	}
	return nil
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%s", k.UserID, k.ChatID, k.Kind)
}

// Record is the persisted progress of a dialog.
type Record struct {
	Key       Key            `json:"key"`
	Step      string         `json:"current_step"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Tier is one ranked backend of the store. Put must upsert by key.
type Tier interface {
	Name() TierName
	Put(ctx context.Context, rec Record) error
	// Get returns only records that have not expired at now.
	Get(ctx context.Context, key Key, now time.Time) (Record, bool, error)
	Delete(ctx context.Context, key Key) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// TierName labels a tier in results, logs and metrics.
type TierName string

const (
	TierNone      TierName = ""
	TierPrimary   TierName = "primary"
	TierSecondary TierName = "secondary"
	TierCache     TierName = "cache"
)

// SaveResult reports which tier accepted a write. A write that only reached
// the cache is a soft success: OK is true, Durable is false and Err wraps
// ErrAllTiersFailed.
type SaveResult struct {
	Tier    TierName
	Durable bool
	Err     error
}

// OK reports whether any tier accepted the write.
func (r SaveResult) OK() bool { return r.Tier != TierNone }

// Soft reports whether only the volatile cache holds the write.
func (r SaveResult) Soft() bool { return r.Tier == TierCache }

func cloneData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneRecord(r Record) Record {
	r.Data = cloneData(r.Data)
	return r
}
