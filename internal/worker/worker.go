// Package worker はジョブのポーリング・クレーム・パイプライン実行を提供します。
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/slimsplit/internal/jobs"
	"github.com/yourusername/slimsplit/internal/pdf"
)

// JobStore は候補ジョブの取得と状態更新を抽象化します。
// Claim は条件付きUPDATE一発の原子的な操作でなければなりません。
// MarkDone と MarkFailed は owner がクレームを保持している場合にのみ適用され、
// リース切れで引き継がれた後の書き込みは適用されずに false を返します。
type JobStore interface {
	PollUploaded(ctx context.Context, limit int) ([]*jobs.Job, error)
	Claim(ctx context.Context, jobID, owner string) (bool, error)
	UpdateProgress(ctx context.Context, jobID string, percent int, stage string) error
	MarkDone(ctx context.Context, jobID, owner, outputKey string) (bool, error)
	MarkFailed(ctx context.Context, jobID, owner, message string) (bool, error)
	RequeueStale(ctx context.Context, olderThan time.Time) (int64, error)
}

// ObjectStore は入出力オブジェクトの転送を抽象化します。
type ObjectStore interface {
	DownloadInput(ctx context.Context, key, localPath string) error
	UploadOutput(ctx context.Context, key, localPath string) error
}

// ProgressMirror は進捗のミラー保存を抽象化します。更新はベストエフォートです。
type ProgressMirror interface {
	Set(ctx context.Context, jobID string, percent int, stage string) error
}

// Options はワーカーの動作設定です。
type Options struct {
	Owner        string        // クレーム所有者の識別子（空の場合は自動生成）
	PollInterval time.Duration // キューが空のときの待機時間
	BatchLimit   int           // 1サイクルあたりの候補ジョブ数の上限
	ClaimLease   time.Duration // この時間を超えたPROCESSINGを再キューする（0で無効）
	WorkDir      string        // 作業ディレクトリのベース
	ErrorTextMax int           // 診断メッセージの最大文字数
}

// Worker は1プロセス分のワーカーループです。複数インスタンスを並行起動しても
// クレームの条件付きUPDATEにより同一ジョブが二重処理されることはありません。
type Worker struct {
	store    JobStore
	objects  ObjectStore
	mirror   ProgressMirror
	stage    *pdf.CompressionStage
	splitter *pdf.Splitter
	archiver pdf.Archiver
	opts     Options
	logger   *slog.Logger
}

// New は Worker を作成します。mirror は nil でも構いません。
func New(store JobStore, objects ObjectStore, mirror ProgressMirror, stage *pdf.CompressionStage, splitter *pdf.Splitter, archiver pdf.Archiver, opts Options, logger *slog.Logger) *Worker {
	if opts.Owner == "" {
		host, _ := os.Hostname()
		opts.Owner = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 5
	}
	if opts.ErrorTextMax <= 0 {
		opts.ErrorTextMax = 1800
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    store,
		objects:  objects,
		mirror:   mirror,
		stage:    stage,
		splitter: splitter,
		archiver: archiver,
		opts:     opts,
		logger:   logger,
	}
}

// Owner はこのワーカーのクレーム所有者識別子を返します。
func (w *Worker) Owner() string {
	return w.opts.Owner
}

// Run はコンテキストが取り消されるまでポーリングループを実行します。
// 個々のジョブの失敗はループを停止させません。
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "owner", w.opts.Owner, "poll_interval", w.opts.PollInterval.String())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed := w.runCycle(ctx)

		if processed == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.opts.PollInterval):
			}
		}
	}
}

// runCycle は1回のポーリングサイクルを実行し、処理したジョブ数を返します。
func (w *Worker) runCycle(ctx context.Context) int {
	if w.opts.ClaimLease > 0 {
		requeued, err := w.store.RequeueStale(ctx, time.Now().Add(-w.opts.ClaimLease))
		if err != nil {
			w.logger.Error("failed to requeue stale jobs", "error", err)
		} else if requeued > 0 {
			w.logger.Warn("requeued stale jobs", "count", requeued)
		}
	}

	candidates, err := w.store.PollUploaded(ctx, w.opts.BatchLimit)
	if err != nil {
		w.logger.Error("failed to poll jobs", "error", err)
		return 0
	}

	processed := 0
	for _, job := range candidates {
		if ctx.Err() != nil {
			return processed
		}
		claimed, err := w.store.Claim(ctx, job.ID, w.opts.Owner)
		if err != nil {
			w.logger.Error("failed to claim job", "job_id", job.ID, "error", err)
			continue
		}
		if !claimed {
			// 他のワーカーが先にクレームした。エラーではない。
			continue
		}
		w.process(ctx, job)
		processed++
	}
	return processed
}
