package pdf

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Workspace はジョブ単位の作業ディレクトリです。
// パイプラインの終了時には成功・失敗を問わず必ず Remove されます。
type Workspace struct {
	JobID    string
	Dir      string
	InDir    string
	OutDir   string
	PartsDir string
}

// NewWorkspace は baseDir 配下にジョブ用の作業ディレクトリを作成します。
func NewWorkspace(baseDir, jobID string) (Workspace, error) {
	if jobID == "" {
		return Workspace{}, fmt.Errorf("jobID is required")
	}
	dir := filepath.Join(baseDir, jobID)
	ws := Workspace{
		JobID:    jobID,
		Dir:      dir,
		InDir:    filepath.Join(dir, "in"),
		OutDir:   filepath.Join(dir, "out"),
		PartsDir: filepath.Join(dir, "parts"),
	}
	for _, d := range []string{ws.InDir, ws.OutDir, ws.PartsDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			_ = removeDir(dir)
			return Workspace{}, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
		}
	}
	return ws, nil
}

// Remove は作業ディレクトリを削除します。
func (w Workspace) Remove() error {
	return removeDir(w.Dir)
}

func removeDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("コピー元のオープンに失敗しました: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("コピー先の作成に失敗しました: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("コピーに失敗しました: %w", err)
	}
	return out.Sync()
}
