package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const progressKeyPrefix = "job:"

// ProgressRecord はUIポーリング用の進捗補足情報です。
// 正とされるのはあくまでDB側のレコードで、こちらはベストエフォートのミラーです。
type ProgressRecord struct {
	Percent   int       `json:"percent"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProgressMirror は進捗を Redis にTTL付きで保存します。
type ProgressMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewProgressMirror は ProgressMirror を作成します。
func NewProgressMirror(rdb *redis.Client, ttl time.Duration) *ProgressMirror {
	return &ProgressMirror{
		rdb: rdb,
		ttl: ttl,
	}
}

// Set は進捗を保存します。
func (m *ProgressMirror) Set(ctx context.Context, jobID string, percent int, stage string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	record := ProgressRecord{
		Percent:   percent,
		Stage:     stage,
		UpdatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(&record)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, progressKey(jobID), payload, m.ttl).Err()
}

// Get は進捗を取得します。存在しない場合は nil を返します。
func (m *ProgressMirror) Get(ctx context.Context, jobID string) (*ProgressRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := m.rdb.Get(ctx, progressKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var record ProgressRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func progressKey(id string) string {
	return progressKeyPrefix + id
}
