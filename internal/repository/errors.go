package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// isDuplicateKey 判断是否为唯一约束冲突
// 优先依赖 gorm 的 TranslateError，驱动未翻译时按错误文本兜底（MySQL 1062 / SQLite UNIQUE）
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
