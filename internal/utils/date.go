package utils

import (
	"regexp"
	"time"
)

// DateLayout 日历日格式（UTC）
const DateLayout = "2006-01-02"

var reDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// FormatDate 将时间转为 UTC 日历日字符串
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// DateOfUnix 将 Unix 秒转为 UTC 日历日字符串
func DateOfUnix(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(DateLayout)
}

// ParseDate 解析日历日字符串
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// IsValidDate 校验 YYYY-MM-DD 格式
func IsValidDate(s string) bool {
	if !reDate.MatchString(s) {
		return false
	}
	_, err := ParseDate(s)
	return err == nil
}

// DaysSince 从 date 到 now 的整天数（date 非法时返回 0）
func DaysSince(date string, now time.Time) int {
	t, err := ParseDate(date)
	if err != nil {
		return 0
	}
	return int(now.UTC().Sub(t).Hours() / 24)
}
