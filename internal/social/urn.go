package social

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	urnInURL  = regexp.MustCompile(`urn:li:(activity|share|ugcPost):\d+`)
	slugInURL = regexp.MustCompile(`(activity|ugcPost|share)[-:](\d{6,})`)
)

// URNFromURL 从帖子链接推导 URN，例如
// https://www.linkedin.com/feed/update/urn:li:activity:7123/ 或 .../posts/name_slug-activity-7123-abcd
func URNFromURL(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if dec, err := url.PathUnescape(s); err == nil {
		s = dec
	}
	if m := urnInURL.FindString(s); m != "" {
		return m, true
	}
	if m := slugInURL.FindStringSubmatch(s); m != nil {
		return "urn:li:" + m[1] + ":" + m[2], true
	}
	return "", false
}

// NormalizeURN 裸 id 补成 urn:li:<kind>:<id>
func NormalizeURN(id, kind string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, "urn:") {
		return id
	}
	return "urn:li:" + kind + ":" + id
}

// LastSegment urn:li:share:42 -> 42；复合 URN 取最后一个逗号之后的部分
func LastSegment(urn string) string {
	s := strings.TrimSuffix(urn, ")")
	if i := strings.LastIndexAny(s, ":,"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// PersonURN 补全成员 URN
func PersonURN(id string) string { return NormalizeURN(id, "person") }

func escapeURN(urn string) string { return url.QueryEscape(urn) }
