package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store はジョブレコードを PostgreSQL に保存します。
// クレームとソフトロックは条件付きUPDATE一発で行い、更新行数で成否を判定します。
type Store struct {
	pool   *pgxpool.Pool
	errMax int
}

// NewStore は Store を作成します。errMax は保存するエラー診断の最大文字数です。
func NewStore(pool *pgxpool.Pool, errMax int) *Store {
	if errMax <= 0 {
		errMax = 1800
	}
	return &Store{pool: pool, errMax: errMax}
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS jobs (
	id                    TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL CHECK (status IN
		('CREATED','UPLOADING','UPLOADED','QUEUED','PROCESSING','CLEANING','DONE','FAILED','CLEANED')),
	input_path            TEXT,
	output_zip_path       TEXT,
	zip_path              TEXT,
	quality               TEXT NOT NULL DEFAULT 'GOOD',
	split_mb              INTEGER NOT NULL DEFAULT 0,
	progress              INTEGER NOT NULL DEFAULT 0,
	stage                 TEXT NOT NULL DEFAULT '',
	error_text            TEXT,
	claimed_by            TEXT,
	claimed_at            TIMESTAMPTZ,
	processing_started_at TIMESTAMPTZ,
	done_at               TIMESTAMPTZ,
	delete_at             TIMESTAMPTZ,
	cleaned_at            TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at ON jobs (status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_delete_at ON jobs (delete_at) WHERE cleaned_at IS NULL;
`

// EnsureSchema は jobs テーブルと索引を必要に応じて作成します。
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

const jobColumns = `id, user_id, status, input_path, output_zip_path, zip_path,
	quality, split_mb, progress, stage, error_text,
	claimed_by, claimed_at, processing_started_at, done_at,
	delete_at, cleaned_at, created_at, updated_at`

// Get はジョブを取得します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// PollUploaded はクレーム可能なジョブを作成日時の昇順で返します。
func (s *Store) PollUploaded(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		  FROM jobs
		 WHERE status = $1
		 ORDER BY created_at ASC
		 LIMIT $2`, StatusUploaded, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Claim はジョブの排他的な所有権を取得します。
// status がまだ UPLOADED のときだけ PROCESSING へ更新し、更新できた場合にのみ true を返します。
// 複数のワーカーが同時に呼んでも成功するのは1つだけです。
func (s *Store) Claim(ctx context.Context, jobID, owner string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		   SET status = $3,
		       claimed_by = $2,
		       claimed_at = now(),
		       processing_started_at = now(),
		       stage = 'claimed',
		       updated_at = now()
		 WHERE id = $1
		   AND status = $4`, jobID, owner, StatusProcessing, StatusUploaded)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateProgress は進捗のチェックポイントを保存します。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, percent int, stage string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		   SET progress = $2, stage = $3, updated_at = now()
		 WHERE id = $1`, jobID, percent, stage)
	return err
}

// MarkDone はジョブを完了状態にします。成果物キーは完了と同時にのみ設定されます。
// リース切れの再キューで別のワーカーへ引き継がれた後に古い所有者が書き込めない
// よう、status が PROCESSING かつ claimed_by が owner のままの場合にのみ更新し、
// 適用できたかを返します。
func (s *Store) MarkDone(ctx context.Context, jobID, owner, outputKey string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		   SET status = $3,
		       progress = 100,
		       stage = 'completed',
		       output_zip_path = $2,
		       error_text = NULL,
		       done_at = now(),
		       updated_at = now()
		 WHERE id = $1
		   AND status = $4
		   AND claimed_by = $5`, jobID, outputKey, StatusDone, StatusProcessing, owner)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed はジョブを失敗状態にします。診断メッセージは上限まで切り詰めて保存します。
// MarkDone と同じ所有権述語を持ち、クレームを失ったワーカーの書き込みは0行になります。
func (s *Store) MarkFailed(ctx context.Context, jobID, owner, message string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		   SET status = $3,
		       progress = 0,
		       stage = 'failed',
		       error_text = $2,
		       updated_at = now()
		 WHERE id = $1
		   AND status = $4
		   AND claimed_by = $5`, jobID, TruncateDiagnostic(message, s.errMax), StatusFailed, StatusProcessing, owner)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCleanupFailed はソフトロック済みジョブの掃除失敗を記録します。
// CLEANING のジョブにのみ適用され、cleaned_at は設定しないため次回のスイープで
// 再試行されます。
func (s *Store) MarkCleanupFailed(ctx context.Context, jobID, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		   SET status = $3,
		       stage = 'failed',
		       error_text = $2,
		       updated_at = now()
		 WHERE id = $1
		   AND status = $4`, jobID, TruncateDiagnostic(message, s.errMax), StatusFailed, StatusCleaning)
	return err
}

// SelectExpired は掃除期限を過ぎた未掃除のジョブを返します。
// 安全フィルター（処理中ジョブの除外）は呼び出し側とソフトロックの両方で適用されます。
func (s *Store) SelectExpired(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		  FROM jobs
		 WHERE cleaned_at IS NULL
		   AND delete_at IS NOT NULL
		   AND delete_at < $1
		 ORDER BY delete_at ASC
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// cleaningRelockAfter はスイープ中にクラッシュして CLEANING のまま残った行を
// 拾い直すまでの猶予です。これより新しい CLEANING 行は別スイープの進行中とみなします。
const cleaningRelockAfter = 10 * time.Minute

// SoftLock はリーパー用のソフトロックです。選択条件と処理中除外を述語に含めた
// 条件付きUPDATEで CLEANING へ遷移させ、更新できた場合にのみ true を返します。
// すでに CLEANING の行は updated_at が猶予を過ぎている場合にのみ再ロックできる
// ため、並行するスイープが同じジョブを二重に掃除することはありません。
func (s *Store) SoftLock(ctx context.Context, jobID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		   SET status = $3, stage = 'cleaning', updated_at = now()
		 WHERE id = $1
		   AND cleaned_at IS NULL
		   AND delete_at IS NOT NULL
		   AND delete_at < $2
		   AND status NOT IN ($4, $5, $6, $7)
		   AND (status <> $3 OR updated_at < $8)`,
		jobID, now, StatusCleaning,
		StatusUploading, StatusUploaded, StatusQueued, StatusProcessing,
		now.Add(-cleaningRelockAfter))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCleaned はジョブを掃除済みにします。cleaned_at の設定と全ロケーションの
// NULL化を同時に行います。
func (s *Store) MarkCleaned(ctx context.Context, jobID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		   SET status = $3,
		       cleaned_at = $2,
		       input_path = NULL,
		       output_zip_path = NULL,
		       zip_path = NULL,
		       stage = 'cleaned',
		       updated_at = now()
		 WHERE id = $1`, jobID, now, StatusCleaned)
	return err
}

// RequeueStale はリース切れの PROCESSING ジョブを UPLOADED へ戻します。
// ワーカーがクラッシュしたままのジョブを次のポーリングで拾い直せるようにします。
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		   SET status = $2,
		       claimed_by = NULL,
		       claimed_at = NULL,
		       processing_started_at = NULL,
		       progress = 0,
		       stage = 'requeued',
		       updated_at = now()
		 WHERE status = $3
		   AND claimed_at IS NOT NULL
		   AND claimed_at < $1`, olderThan, StatusUploaded, StatusProcessing)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// TruncateDiagnostic は診断メッセージを最大文字数まで切り詰めます。
func TruncateDiagnostic(message string, max int) string {
	if max <= 0 {
		return message
	}
	runes := []rune(message)
	if len(runes) <= max {
		return message
	}
	return string(runes[:max])
}

func collectJobs(rows pgx.Rows) ([]*Job, error) {
	var result []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		job        Job
		status     string
		quality    string
		inputPath  *string
		outputPath *string
		zipPath    *string
		errorText  *string
		claimedBy  *string
	)
	err := row.Scan(
		&job.ID, &job.UserID, &status, &inputPath, &outputPath, &zipPath,
		&quality, &job.SplitMB, &job.Progress, &job.Stage, &errorText,
		&claimedBy, &job.ClaimedAt, &job.ProcessingStartedAt, &job.DoneAt,
		&job.DeleteAt, &job.CleanedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = ParseStatus(status)
	job.Quality = ParseQuality(quality)
	job.InputPath = derefString(inputPath)
	job.OutputZipPath = derefString(outputPath)
	job.ZipPath = derefString(zipPath)
	job.ErrorText = derefString(errorText)
	job.ClaimedBy = derefString(claimedBy)
	return &job, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
