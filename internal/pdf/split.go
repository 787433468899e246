package pdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// partSafetyRatio は名目上限に対する実効バイト上限の比率です。
	// アーカイブ化のオーバーヘッド分の余裕を残します。
	partSafetyRatio = 0.97

	bytesPerMB = 1024 * 1024
)

// SplitPart は分割で生成された各PDFの情報です。
type SplitPart struct {
	Filename string `json:"filename"`
	Path     string `json:"-"`
	FromPage int    `json:"fromPage"`
	ToPage   int    `json:"toPage"`
	Pages    int    `json:"pages"`
	Size     int64  `json:"size"`
}

// Splitter はPDFをバイト上限以下の連続ページ範囲へ分割します。
//
// ページごとのサイズ（画像主体か文字主体か）は一様ではないため、線形密度の
// 見積もりはあくまで初期値として使い、実測が上限を超えた場合は終端ページを
// 二分探索で縮め、余裕がある場合は貪欲に伸ばします。これによりパートあたりの
// 抽出回数は最悪でも O(log totalPages) に収まります。
type Splitter struct {
	extractor PageExtractor
}

// NewSplitter は Splitter を作成します。
func NewSplitter(extractor PageExtractor) *Splitter {
	return &Splitter{extractor: extractor}
}

// PartBudget は targetMB に対する実効バイト上限を返します。
func PartBudget(targetMB int) int64 {
	return int64(float64(targetMB) * bytesPerMB * partSafetyRatio)
}

// Split は inputPath のPDFを targetMB 以下のパートへ分割し、outDir に書き出します。
// パートは全ページを重複も欠落もなくちょうど1回ずつカバーし、ページ順に並びます。
// targetMB が0以下、またはページ数が取得できない場合は全体を1パートとして返します。
// 1ページ単体で上限を超える場合はそのまま受け入れます（ページ粒度未満には分割できません）。
func (s *Splitter) Split(ctx context.Context, inputPath, outDir string, targetMB int) ([]SplitPart, error) {
	info, err := os.Stat(inputPath)
	if err != nil {
		return nil, fmt.Errorf("分割対象ファイルの確認に失敗しました: %w", err)
	}
	totalBytes := info.Size()

	pages := 0
	if count, pcErr := s.extractor.PageCount(inputPath); pcErr == nil {
		pages = count
	}

	if targetMB <= 0 || pages <= 0 {
		return s.wholeDocumentPart(inputPath, outDir, totalBytes, pages)
	}

	budget := PartBudget(targetMB)

	bytesPerPage := totalBytes / int64(pages)
	if bytesPerPage < 1 {
		bytesPerPage = 1
	}
	candidate := int(budget / bytesPerPage)
	if candidate < 1 {
		candidate = 1
	}
	if candidate > pages {
		candidate = pages
	}

	var parts []SplitPart
	start := 1
	for start <= pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path := s.partPath(outDir, len(parts)+1)
		end := start + candidate - 1
		if end > pages {
			end = pages
		}

		size, err := s.extractMeasure(ctx, inputPath, path, start, end)
		if err != nil {
			return nil, err
		}

		switch {
		case size > budget:
			end, size, err = s.shrink(ctx, inputPath, path, start, end, budget)
		case end < pages:
			end, size, err = s.grow(ctx, inputPath, path, start, end, size, candidate, budget, pages)
		}
		if err != nil {
			return nil, err
		}

		parts = append(parts, SplitPart{
			Filename: filepath.Base(path),
			Path:     path,
			FromPage: start,
			ToPage:   end,
			Pages:    end - start + 1,
			Size:     size,
		})
		start = end + 1
	}

	return parts, nil
}

// shrink は上限超過したパートの終端を二分探索で縮めます。
// 収まる最大の終端ページを探し、その範囲を確定抽出して返します。
// 先頭ページ単体でも収まらない場合はそのページだけのパートを受け入れます。
func (s *Splitter) shrink(ctx context.Context, inputPath, path string, start, overEnd int, budget int64) (int, int64, error) {
	best := 0
	lo, hi := start, overEnd-1
	for lo <= hi {
		mid := (lo + hi) / 2
		size, err := s.extractMeasure(ctx, inputPath, path, start, mid)
		if err != nil {
			return 0, 0, err
		}
		if size <= budget {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}

	if best == 0 {
		best = start
	}
	size, err := s.extractMeasure(ctx, inputPath, path, start, best)
	if err != nil {
		return 0, 0, err
	}
	return best, size, nil
}

// grow は余裕のあるパートの終端を候補ページ数の約1/3刻みで伸ばします。
// 上限を超える最初の伸長、または最終ページで停止します。
func (s *Splitter) grow(ctx context.Context, inputPath, path string, start, end int, size int64, candidate int, budget int64, pages int) (int, int64, error) {
	step := candidate / 3
	if step < 1 {
		step = 1
	}

	for end < pages {
		next := end + step
		if next > pages {
			next = pages
		}
		probed, err := s.extractMeasure(ctx, inputPath, path, start, next)
		if err != nil {
			return 0, 0, err
		}
		if probed > budget {
			// 直前の確定範囲へ戻す
			size, err = s.extractMeasure(ctx, inputPath, path, start, end)
			if err != nil {
				return 0, 0, err
			}
			return end, size, nil
		}
		end = next
		size = probed
	}
	return end, size, nil
}

func (s *Splitter) extractMeasure(ctx context.Context, inputPath, path string, from, to int) (int64, error) {
	if err := s.extractor.ExtractRange(ctx, inputPath, path, from, to); err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("partファイルの確認に失敗しました: %w", err)
	}
	return info.Size(), nil
}

func (s *Splitter) wholeDocumentPart(inputPath, outDir string, totalBytes int64, pages int) ([]SplitPart, error) {
	path := s.partPath(outDir, 1)
	if err := copyFile(inputPath, path); err != nil {
		return nil, err
	}
	toPage := pages
	if toPage < 1 {
		toPage = 0
	}
	return []SplitPart{{
		Filename: filepath.Base(path),
		Path:     path,
		FromPage: 1,
		ToPage:   toPage,
		Pages:    toPage,
		Size:     totalBytes,
	}}, nil
}

func (s *Splitter) partPath(outDir string, index int) string {
	return filepath.Join(outDir, fmt.Sprintf("part-%03d.pdf", index))
}
