package utils

import (
	"strings"
	"unicode"
)

// NormalizeFilename 将任意文本转换为安全的归档路径片段
//
// 规则:
//   - 只保留 ASCII 字母、数字、空白、下划线和连字符
//   - 转小写
//   - 连续的空白/下划线/连字符合并为一个 "-"，去掉首尾的 "-"
//   - 按字节截断到 maxLen，截断后再去掉尾部 "-"
//
// 结果满足 ^[a-z0-9-]*$，对自身输出幂等。maxLen <= 0 时返回空串。
func NormalizeFilename(text string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}

	var b strings.Builder
	b.Grow(len(text))

	pendingSep := false
	for _, r := range text {
		switch {
		case r < unicode.MaxASCII && (isASCIILetter(r) || (r >= '0' && r <= '9')):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
		case r == '_' || r == '-' || unicode.IsSpace(r):
			pendingSep = true
		default:
			// 其他字符直接丢弃，不产生分隔符
		}
	}

	out := b.String()
	if len(out) > maxLen {
		out = strings.TrimRight(out[:maxLen], "-")
	}
	return out
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
