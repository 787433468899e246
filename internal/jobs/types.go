// Package jobs はジョブレコードの型定義と永続化を提供します。
package jobs

import (
	"fmt"
	"strings"
	"time"
)

// Status はジョブのライフサイクル状態を表します。
// DBへは大文字の文字列をそのまま保存します（読み取りは大文字小文字を区別しません）。
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusUploading  Status = "UPLOADING"
	StatusUploaded   Status = "UPLOADED"
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCleaning   Status = "CLEANING"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
	StatusCleaned    Status = "CLEANED"
)

// ParseStatus は文字列をStatusへ正規化します。
func ParseStatus(s string) Status {
	return Status(strings.ToUpper(strings.TrimSpace(s)))
}

// IsActive はアップロード中・クレーム待ち・処理中のいずれかであるかを返します。
// この状態のジョブは期限切れであってもリーパーの対象外です。
func (s Status) IsActive() bool {
	switch s {
	case StatusUploading, StatusUploaded, StatusQueued, StatusProcessing:
		return true
	}
	return false
}

// Quality は圧縮品質ポリシーを表します。
type Quality string

const (
	QualityOriginal Quality = "ORIGINAL" // 無変換コピー
	QualityGood     Quality = "GOOD"     // 標準（より強い圧縮）
	QualityMax      Quality = "MAX"      // 高品質（圧縮は弱め、サイズは大きめ）
)

// ParseQuality は文字列をQualityへ正規化します。未知の値はGOODになります。
func ParseQuality(s string) Quality {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(QualityOriginal):
		return QualityOriginal
	case string(QualityMax):
		return QualityMax
	default:
		return QualityGood
	}
}

// ClampSplitMB は分割サイズをMB単位で1〜100の範囲に収めます。
// 0以下は「分割なし」を意味するため0を返します。
func ClampSplitMB(mb int) int {
	if mb <= 0 {
		return 0
	}
	if mb > 100 {
		return 100
	}
	return mb
}

// Job は1件のジョブレコードを表します。
// 物理削除は行わず、掃除後も status と cleaned_at で論理的に表現します。
type Job struct {
	ID                  string
	UserID              string
	Status              Status
	InputPath           string // 入力オブジェクトのキー（空 = 入力なし）
	OutputZipPath       string // 成果物アーカイブのキー
	ZipPath             string // 旧レイアウトのキー（互換用エイリアス）
	Quality             Quality
	SplitMB             int
	Progress            int
	Stage               string
	ErrorText           string
	ClaimedBy           string
	ClaimedAt           *time.Time
	ProcessingStartedAt *time.Time
	DoneAt              *time.Time
	DeleteAt            *time.Time
	CleanedAt           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// InputKey は入力オブジェクトのキーを返します。未記録の場合は規約上のキーです。
func (j *Job) InputKey() string {
	if j.InputPath != "" {
		return j.InputPath
	}
	return j.ID + "/input.pdf"
}

// OutputKey は成果物アーカイブを保存するキーを返します。
func (j *Job) OutputKey() string {
	return fmt.Sprintf("%s/%s/out.zip", j.UserID, j.ID)
}

// Prefix は両バケットでの一括削除に使うキープレフィックスです。
func (j *Job) Prefix() string {
	return j.ID + "/"
}
