package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/slimsplit/internal/jobs"
	"github.com/yourusername/slimsplit/internal/pdf"
)

// process はクレーム済みジョブのパイプラインを実行し、終端状態を保存します。
// パイプラインのエラーはここで FAILED へ回収され、呼び出し元へは伝播しません。
func (w *Worker) process(ctx context.Context, job *jobs.Job) {
	w.logger.Info("job claimed", "job_id", job.ID, "quality", string(job.Quality), "split_mb", job.SplitMB)

	outputKey, err := w.runPipeline(ctx, job)
	if err != nil {
		message := jobs.TruncateDiagnostic(err.Error(), w.opts.ErrorTextMax)
		applied, updErr := w.store.MarkFailed(ctx, job.ID, w.opts.Owner, message)
		if updErr != nil {
			// 失敗の記録自体に失敗した場合はログにしか残せない。
			// ジョブは PROCESSING のまま残り、リース切れの再キューで回収される。
			w.logger.Error("failed to mark job failed", "job_id", job.ID, "error", updErr)
		} else if !applied {
			// リース切れで別のワーカーへ引き継がれた。こちらの結果は破棄する。
			w.logger.Warn("discarded failure for a reclaimed job", "job_id", job.ID, "owner", w.opts.Owner)
			return
		}
		w.mirrorProgress(ctx, job.ID, 0, "failed")
		w.logger.Error("job failed", "job_id", job.ID, "error", err)
		return
	}

	applied, err := w.store.MarkDone(ctx, job.ID, w.opts.Owner, outputKey)
	if err != nil {
		w.logger.Error("failed to mark job done", "job_id", job.ID, "error", err)
		return
	}
	if !applied {
		w.logger.Warn("discarded completion for a reclaimed job", "job_id", job.ID, "owner", w.opts.Owner)
		return
	}
	w.mirrorProgress(ctx, job.ID, 100, "completed")
	w.logger.Info("job completed", "job_id", job.ID, "output", outputKey)
}

func (w *Worker) runPipeline(ctx context.Context, job *jobs.Job) (string, error) {
	if strings.TrimSpace(job.InputPath) == "" {
		return "", errors.New("missing input: 入力オブジェクトのパスが記録されていません（不整合な状態）")
	}

	ws, err := pdf.NewWorkspace(w.opts.WorkDir, job.ID)
	if err != nil {
		return "", err
	}
	defer func() {
		if cleanupErr := ws.Remove(); cleanupErr != nil {
			w.logger.Warn("failed to remove workspace", "job_id", job.ID, "error", cleanupErr)
		}
	}()

	w.checkpoint(ctx, job.ID, 5, "download")
	inputPath := filepath.Join(ws.InDir, "input.pdf")
	if err := w.objects.DownloadInput(ctx, job.InputKey(), inputPath); err != nil {
		return "", fmt.Errorf("入力オブジェクトの取得に失敗しました: %w", err)
	}

	mt, err := mimetype.DetectFile(inputPath)
	if err != nil {
		return "", fmt.Errorf("入力ファイルの判定に失敗しました: %w", err)
	}
	if !mt.Is("application/pdf") {
		return "", fmt.Errorf("unsupported input: PDFではないファイルが保存されています (%s)", mt.String())
	}

	w.checkpoint(ctx, job.ID, 15, "compress")
	compressedPath := filepath.Join(ws.OutDir, "compressed.pdf")
	if err := w.stage.Run(ctx, inputPath, compressedPath, presetFor(job.Quality)); err != nil {
		return "", err
	}

	w.checkpoint(ctx, job.ID, 55, "split")
	parts, err := w.splitter.Split(ctx, compressedPath, ws.PartsDir, jobs.ClampSplitMB(job.SplitMB))
	if err != nil {
		return "", err
	}

	w.checkpoint(ctx, job.ID, 80, "package")
	archivePath := filepath.Join(ws.OutDir, "out.zip")
	files := make([]string, len(parts))
	for i, part := range parts {
		files[i] = part.Path
	}
	if err := w.archiver.Archive(archivePath, files); err != nil {
		return "", err
	}

	w.checkpoint(ctx, job.ID, 90, "upload")
	outputKey := job.OutputKey()
	if err := w.objects.UploadOutput(ctx, outputKey, archivePath); err != nil {
		return "", fmt.Errorf("成果物のアップロードに失敗しました: %w", err)
	}

	w.logger.Info("job packaged", "job_id", job.ID, "parts", len(parts))
	return outputKey, nil
}

// checkpoint は粗い進捗チェックポイントを保存します。UIポーリング用であり、
// 再開可能性のためのものではありません。失敗してもパイプラインは続行します。
func (w *Worker) checkpoint(ctx context.Context, jobID string, percent int, stage string) {
	if err := w.store.UpdateProgress(ctx, jobID, percent, stage); err != nil {
		w.logger.Warn("failed to update progress", "job_id", jobID, "stage", stage, "error", err)
	}
	w.mirrorProgress(ctx, jobID, percent, stage)
}

func (w *Worker) mirrorProgress(ctx context.Context, jobID string, percent int, stage string) {
	if w.mirror == nil {
		return
	}
	if err := w.mirror.Set(ctx, jobID, percent, stage); err != nil {
		w.logger.Debug("failed to mirror progress", "job_id", jobID, "error", err)
	}
}

func presetFor(quality jobs.Quality) pdf.Preset {
	switch quality {
	case jobs.QualityOriginal:
		return pdf.PresetOriginal
	case jobs.QualityMax:
		return pdf.PresetMax
	default:
		return pdf.PresetGood
	}
}
