package pdf

import "context"

// Preset は圧縮品質プリセットを表します。
type Preset string

const (
	PresetOriginal Preset = "original" // バイト同一コピー
	PresetGood     Preset = "good"     // 標準。MAXより強く圧縮する
	PresetMax      Preset = "max"      // 高品質。圧縮は弱め
)

// Compressor はPDF圧縮の外部機能を抽象化します。
type Compressor interface {
	Compress(ctx context.Context, inputPath, outputPath string, preset Preset) error
}

// PageExtractor はページ数の取得とページ範囲の抽出を抽象化します。
// 分割アルゴリズムの単体テストではスタブ実装に差し替えます。
type PageExtractor interface {
	PageCount(inputPath string) (int, error)
	ExtractRange(ctx context.Context, inputPath, outputPath string, from, to int) error
}

// Archiver は複数ファイルの単一アーカイブ化を抽象化します。
type Archiver interface {
	Archive(outputPath string, files []string) error
}
