package pdf

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// GhostscriptCompressor は Ghostscript を起動してPDFを圧縮します。
type GhostscriptCompressor struct {
	path string
}

// NewGhostscriptCompressor は GhostscriptCompressor を作成します。
func NewGhostscriptCompressor(path string) *GhostscriptCompressor {
	if path == "" {
		path = "gs"
	}
	return &GhostscriptCompressor{path: path}
}

// Compress は Ghostscript のプリセットを使って inputPath を outputPath へ圧縮します。
func (g *GhostscriptCompressor) Compress(ctx context.Context, inputPath, outputPath string, preset Preset) error {
	args := ghostscriptArgs(outputPath, inputPath, preset)

	cmd := exec.CommandContext(ctx, g.path, args...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return newError("COMPRESS_FAILED", fmt.Sprintf("Ghostscriptによる圧縮に失敗しました: %s", stderr.String()), err)
	}
	return nil
}

func ghostscriptArgs(outputPath, inputPath string, preset Preset) []string {
	// GOODはMAXより強く圧縮するのが規約。逆転させてはいけない。
	setting := "/ebook"
	if preset == PresetMax {
		setting = "/prepress"
	}

	return []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.5",
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		fmt.Sprintf("-dPDFSETTINGS=%s", setting),
		fmt.Sprintf("-sOutputFile=%s", outputPath),
		inputPath,
	}
}
