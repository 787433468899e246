// Package reaper は掃除期限を過ぎたジョブのオブジェクト削除と掃除済みマークを行います。
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/yourusername/slimsplit/internal/jobs"
)

// JobStore はスイープに必要なレコード操作を抽象化します。
type JobStore interface {
	SelectExpired(ctx context.Context, now time.Time, limit int) ([]*jobs.Job, error)
	SoftLock(ctx context.Context, jobID string, now time.Time) (bool, error)
	MarkCleaned(ctx context.Context, jobID string, now time.Time) error
	MarkCleanupFailed(ctx context.Context, jobID, message string) error
}

// ObjectStore はオブジェクトの削除操作を抽象化します。削除はすべて冪等です。
type ObjectStore interface {
	RemovePrefixAll(ctx context.Context, prefix string) error
	RemoveInputKey(ctx context.Context, key string) error
	RemoveOutputKey(ctx context.Context, key string) error
}

// Summary は1回のスイープ結果の集計です。
type Summary struct {
	Cleaned        int // 掃除が完了したジョブ数
	SkippedActive  int // 処理中のため対象外としたジョブ数
	LockedByOthers int // 他のスイープがソフトロック済みだったジョブ数
	Errors         int // 削除エラーが発生したジョブ数
}

// Reaper は期限切れジョブのスイープを実行します。
// ワーカーループとは独立に動作し、ソフトロックと処理中除外により競合しません。
type Reaper struct {
	store   JobStore
	objects ObjectStore
	logger  *slog.Logger
}

// New は Reaper を作成します。
func New(store JobStore, objects ObjectStore, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{store: store, objects: objects, logger: logger}
}

// Sweep は期限切れジョブを最大 limit 件まで掃除します。
// 個々のジョブの失敗は集計に記録するだけで、スイープ全体は必ず完走します。
// cleaned_at が設定済みのジョブは二度と選択されないため、連続して呼んでも安全です。
func (r *Reaper) Sweep(ctx context.Context, now time.Time, limit int) (Summary, error) {
	var sum Summary

	candidates, err := r.store.SelectExpired(ctx, now, limit)
	if err != nil {
		return sum, fmt.Errorf("期限切れジョブの取得に失敗しました: %w", err)
	}

	for _, job := range candidates {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		// 処理中のジョブは期限切れでも絶対に触らない。
		if job.Status.IsActive() {
			sum.SkippedActive++
			continue
		}

		locked, err := r.store.SoftLock(ctx, job.ID, now)
		if err != nil {
			sum.Errors++
			r.logger.Error("failed to soft-lock job", "job_id", job.ID, "error", err)
			continue
		}
		if !locked {
			// 別のスイープが先にロックした。
			sum.LockedByOthers++
			continue
		}

		if err := r.deleteObjects(ctx, job); err != nil {
			sum.Errors++
			// cleaned_at は NULL のままなので次回のスイープで自動的に再試行される。
			if updErr := r.store.MarkCleanupFailed(ctx, job.ID, fmt.Sprintf("cleanup failed: %v", err)); updErr != nil {
				r.logger.Error("failed to record cleanup failure", "job_id", job.ID, "error", updErr)
			}
			r.logger.Error("cleanup failed", "job_id", job.ID, "error", err)
			continue
		}

		if err := r.store.MarkCleaned(ctx, job.ID, now); err != nil {
			sum.Errors++
			r.logger.Error("failed to mark job cleaned", "job_id", job.ID, "error", err)
			continue
		}
		sum.Cleaned++
		r.logger.Info("job cleaned", "job_id", job.ID)
	}

	return sum, nil
}

// deleteObjects は両バケットのプレフィックス配下と、プレフィックス外に記録された
// キー（旧レイアウト互換）をまとめて削除します。
func (r *Reaper) deleteObjects(ctx context.Context, job *jobs.Job) error {
	prefix := job.Prefix()
	var failures []string

	if err := r.objects.RemovePrefixAll(ctx, prefix); err != nil {
		failures = append(failures, err.Error())
	}

	if key := job.InputPath; key != "" && !strings.HasPrefix(key, prefix) {
		if err := r.objects.RemoveInputKey(ctx, key); err != nil {
			failures = append(failures, err.Error())
		}
	}
	for _, key := range []string{job.OutputZipPath, job.ZipPath} {
		if key != "" && !strings.HasPrefix(key, prefix) {
			if err := r.objects.RemoveOutputKey(ctx, key); err != nil {
				failures = append(failures, err.Error())
			}
		}
	}

	if len(failures) > 0 {
		return errors.New(strings.Join(failures, "; "))
	}
	return nil
}
