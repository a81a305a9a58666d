package analysis

import (
	"path/filepath"
	"strings"
	"sync"
)

// SiblingClass 记录文件同目录下其它文件的分类
type SiblingClass int

const (
	SiblingNone   SiblingClass = iota
	SiblingSwap                // 编辑器 temp-then-rename 写法留下的交换文件
	SiblingBackup              // 轮转备份，零容忍
)

func (c SiblingClass) String() string {
	switch c {
	case SiblingSwap:
		return "swap"
	case SiblingBackup:
		return "backup"
	}
	return "none"
}

// Classifier 按命名规则判定兄弟文件
type Classifier struct {
	base       string
	tempPrefix string

	// 规则只在构造时写入，读写锁是为后续热加载规则预留
	mu             sync.RWMutex
	backupPatterns []string
	swapSuffixes   []string
}

// NewClassifier backupPatterns 中的 {base} 会替换成记录文件名；tempPrefix 是守护自己的临时文件前缀
func NewClassifier(recordPath, tempPrefix string, backupPatterns, swapSuffixes []string) *Classifier {
	base := filepath.Base(recordPath)
	c := &Classifier{base: base, tempPrefix: tempPrefix}
	escaped := escapeGlob(base)
	for _, p := range backupPatterns {
		c.backupPatterns = append(c.backupPatterns, strings.ReplaceAll(p, "{base}", escaped))
	}
	c.swapSuffixes = append(c.swapSuffixes, swapSuffixes...)
	return c
}

// Classify 只看文件名，不看内容
func (c *Classifier) Classify(name string) SiblingClass {
	if name == c.base || (c.tempPrefix != "" && strings.HasPrefix(name, c.tempPrefix)) {
		return SiblingNone
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, suf := range c.swapSuffixes {
		if suf != "" && name == c.base+suf {
			return SiblingSwap
		}
	}
	for _, p := range c.backupPatterns {
		if ok, _ := filepath.Match(p, name); ok {
			return SiblingBackup
		}
	}
	return SiblingNone
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}
