package analysis

import (
	"fmt"
	"io"
	"os"

	"github.com/h2non/filetype"
)

// IsSQLite 通过文件头 magic bytes 判断是否为 SQLite 数据库。
// 宿主正在重建数据库时文件可能为空或是别的东西，此时不应打开它
func IsSQLite(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	// 262 bytes 是 filetype 库建议的读取长度
	head := make([]byte, 262)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, fmt.Errorf("read header: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	return filetype.Is(head[:n], "sqlite"), nil
}
