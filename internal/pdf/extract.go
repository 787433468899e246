package pdf

import (
	"context"
	"fmt"
	"strconv"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// PdfcpuExtractor は pdfcpu によるページ数取得とページ範囲抽出を提供します。
type PdfcpuExtractor struct{}

// PageCount はPDFの総ページ数を返します。
func (PdfcpuExtractor) PageCount(inputPath string) (int, error) {
	count, err := pdfapi.PageCountFile(inputPath)
	if err != nil {
		return 0, newError("UNSUPPORTED_PDF", "ページ数の取得に失敗しました。", err)
	}
	return count, nil
}

// ExtractRange は from〜to ページ（1-based・両端含む）を outputPath へ抽出します。
func (PdfcpuExtractor) ExtractRange(ctx context.Context, inputPath, outputPath string, from, to int) error {
	if from < 1 || to < from {
		return fmt.Errorf("invalid page range: %d-%d", from, to)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	pages := make([]string, 0, to-from+1)
	for p := from; p <= to; p++ {
		pages = append(pages, strconv.Itoa(p))
	}

	if err := pdfapi.CollectFile(inputPath, outputPath, pages, nil); err != nil {
		return newError("UNSUPPORTED_PDF", fmt.Sprintf("ページ範囲 %d-%d の抽出に失敗しました。", from, to), err)
	}
	return nil
}
