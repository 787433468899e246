package pdf

import "context"

// CompressionStage は品質ポリシーに従ってPDFを縮小します。
// ポリシーからプリセットへの対応は純粋な参照で、変換そのものは外部機能に委ねます。
type CompressionStage struct {
	comp Compressor
}

// NewCompressionStage は CompressionStage を作成します。
func NewCompressionStage(comp Compressor) *CompressionStage {
	return &CompressionStage{comp: comp}
}

// Run は inputPath を圧縮して outputPath へ書き出します。
// PresetOriginal の場合は品質劣化なしのバイト同一コピーになります（サイズ保証なし）。
func (s *CompressionStage) Run(ctx context.Context, inputPath, outputPath string, preset Preset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if preset == PresetOriginal {
		return copyFile(inputPath, outputPath)
	}
	return s.comp.Compress(ctx, inputPath, outputPath, preset)
}
