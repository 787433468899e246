// Package storage はオブジェクトストア（MinIO/S3互換）へのアクセスを提供します。
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config は Gateway の接続設定です。
type Config struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	Region       string
	InputBucket  string
	OutputBucket string
}

// Gateway は入力・成果物の2バケットを扱うオブジェクトストアのゲートウェイです。
// 削除系の操作はすべて冪等で、存在しないキーの削除はエラーになりません。
type Gateway struct {
	client       *minio.Client
	inputBucket  string
	outputBucket string
}

// NewGateway は Gateway を作成します。
func NewGateway(cfg Config) (*Gateway, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store connection: %w", err)
	}
	return &Gateway{
		client:       client,
		inputBucket:  cfg.InputBucket,
		outputBucket: cfg.OutputBucket,
	}, nil
}

// EnsureBuckets は両バケットを必要に応じて作成します。
func (g *Gateway) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{g.inputBucket, g.outputBucket} {
		exists, err := g.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("bucket check %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := g.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("bucket create %s: %w", bucket, err)
		}
	}
	return nil
}

// DownloadInput は入力バケットのオブジェクトをローカルファイルへ取得します。
func (g *Gateway) DownloadInput(ctx context.Context, key, localPath string) error {
	if err := g.client.FGetObject(ctx, g.inputBucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download %s/%s: %w", g.inputBucket, key, err)
	}
	return nil
}

// UploadOutput はローカルファイルを成果物バケットへアップロードします。
func (g *Gateway) UploadOutput(ctx context.Context, key, localPath string) error {
	opts := minio.PutObjectOptions{ContentType: "application/zip"}
	if _, err := g.client.FPutObject(ctx, g.outputBucket, key, localPath, opts); err != nil {
		return fmt.Errorf("upload %s/%s: %w", g.outputBucket, key, err)
	}
	return nil
}

// RemoveInputKey は入力バケットのオブジェクトを削除します。
func (g *Gateway) RemoveInputKey(ctx context.Context, key string) error {
	return g.removeKey(ctx, g.inputBucket, key)
}

// RemoveOutputKey は成果物バケットのオブジェクトを削除します。
func (g *Gateway) RemoveOutputKey(ctx context.Context, key string) error {
	return g.removeKey(ctx, g.outputBucket, key)
}

// RemovePrefixAll は両バケットから指定プレフィックス配下のオブジェクトをすべて削除します。
func (g *Gateway) RemovePrefixAll(ctx context.Context, prefix string) error {
	var failures []string
	for _, bucket := range []string{g.inputBucket, g.outputBucket} {
		if err := g.removePrefix(ctx, bucket, prefix); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("prefix delete %s: %s", prefix, strings.Join(failures, "; "))
	}
	return nil
}

func (g *Gateway) removeKey(ctx context.Context, bucket, key string) error {
	if key == "" {
		return nil
	}
	if err := g.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (g *Gateway) removePrefix(ctx context.Context, bucket, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	objects := g.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	var failures []string
	for object := range objects {
		if object.Err != nil {
			failures = append(failures, object.Err.Error())
			continue
		}
		if err := g.client.RemoveObject(ctx, bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", object.Key, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("bucket %s: %s", bucket, strings.Join(failures, "; "))
	}
	return nil
}
