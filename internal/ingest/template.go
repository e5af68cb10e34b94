package ingest

import (
	"regexp"
	"strings"

	"campaignmailer/internal/model"
)

// {{ name }}，允许空白，key 不区分大小写
var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_ .-]+?)\s*\}\}`)

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

// Placeholders 按首次出现顺序返回文本中的占位符（小写、去重）
func Placeholders(texts ...string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, text := range texts {
		for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
			key := normalizeKey(m[1])
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}

// RequiredColumns 收件人文件必须包含的列：email 加上主题和正文中的占位符
func RequiredColumns(subject, body string) []string {
	cols := []string{"email"}
	for _, p := range Placeholders(subject, body) {
		if p != "email" {
			cols = append(cols, p)
		}
	}
	return cols
}

// Fill 用行数据替换占位符，缺失的 key 替换为空字符串
func Fill(tpl string, row model.Row) string {
	return placeholderRe.ReplaceAllStringFunc(tpl, func(match string) string {
		m := placeholderRe.FindStringSubmatch(match)
		return row[normalizeKey(m[1])]
	})
}
