package social

import (
	"regexp"
	"slices"
)

var versionToken = regexp.MustCompile(`\b20\d{2}(?:0[1-9]|1[0-2])\b`)

// maxLearned 错误响应里学到的版本最多保留这么多个
const maxLearned = 6

// ExtractVersions 从错误响应体中提取 YYYYMM 形式的版本号
func ExtractVersions(body []byte) []string {
	var out []string
	for _, m := range versionToken.FindAll(body, -1) {
		v := string(m)
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// versionList 配置版本 -> 备选版本 -> 学到的版本，去重保序
func versionList(configured string, fallbacks, learned []string) []string {
	out := make([]string, 0, 1+len(fallbacks)+len(learned))
	add := func(v string) {
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	add(configured)
	for _, v := range fallbacks {
		add(v)
	}
	for _, v := range learned {
		add(v)
	}
	return out
}
