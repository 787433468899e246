package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourusername/slimsplit/internal/jobs"
)

// recordStore はジョブレコードの参照を抽象化します。テストではスタブに差し替えます。
type recordStore interface {
	Get(ctx context.Context, jobID string) (*jobs.Job, error)
}

// progressReader は進捗ミラーの参照を抽象化します。
type progressReader interface {
	Get(ctx context.Context, jobID string) (*jobs.ProgressRecord, error)
}

func healthHandler(pool *pgxpool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "ng"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// jobStatusHandler は GET /api/jobs/:id のハンドラーを返します。
// DBのレコードを正とし、進捗ミラーにより新しい値があればそちらを返します。
func jobStatusHandler(store recordStore, mirror progressReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		job, err := store.Get(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if job == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		progress := gin.H{
			"percent": job.Progress,
			"stage":   job.Stage,
		}
		if mirror != nil {
			if record, err := mirror.Get(c.Request.Context(), jobID); err == nil && record != nil {
				progress = gin.H{
					"percent": record.Percent,
					"stage":   record.Stage,
				}
				if record.Message != "" {
					progress["message"] = record.Message
				}
			}
		}

		payload := gin.H{
			"jobId":     job.ID,
			"status":    string(job.Status),
			"quality":   string(job.Quality),
			"splitMb":   job.SplitMB,
			"progress":  progress,
			"updatedAt": job.UpdatedAt,
		}
		if job.Status == jobs.StatusDone && job.OutputZipPath != "" {
			payload["outputZipPath"] = job.OutputZipPath
		}
		if job.Status == jobs.StatusFailed && job.ErrorText != "" {
			payload["error"] = gin.H{"message": job.ErrorText}
		}
		if job.DeleteAt != nil {
			payload["deleteAt"] = job.DeleteAt
		}
		if job.CleanedAt != nil {
			payload["cleanedAt"] = job.CleanedAt
		}

		c.JSON(http.StatusOK, payload)
	}
}
