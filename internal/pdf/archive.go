package pdf

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ZipArchiver は複数ファイルを1つのzipへまとめます。
// エントリーの並びは入力リストの順序をそのまま保持します。
type ZipArchiver struct{}

// Archive は files を入力順に outputPath のzipへ書き込みます。
func (ZipArchiver) Archive(outputPath string, files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("no files to archive")
	}

	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("zipファイルの作成に失敗しました: %w", err)
	}
	defer outFile.Close()

	zipWriter := zip.NewWriter(outFile)
	defer zipWriter.Close()

	for _, path := range files {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("zip入力ファイルのオープンに失敗しました: %w", err)
		}

		info, err := file.Stat()
		if err != nil {
			file.Close()
			return fmt.Errorf("zip入力ファイルの情報取得に失敗しました: %w", err)
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			file.Close()
			return fmt.Errorf("zipヘッダーの生成に失敗しました: %w", err)
		}
		header.Name = filepath.Base(path)
		header.Method = zip.Deflate

		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			file.Close()
			return fmt.Errorf("zipヘッダーの書き込みに失敗しました: %w", err)
		}

		if _, err := io.Copy(writer, file); err != nil {
			file.Close()
			return fmt.Errorf("zipへの書き込みに失敗しました: %w", err)
		}
		file.Close()
	}

	return nil
}
