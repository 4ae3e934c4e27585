package utils

import (
	"testing"
	"time"
)

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{"短密钥全遮蔽", "sk-short", "***"},
		{"空密钥", "", "***"},
		{"长密钥保留首尾", "sk-admin-abcdefghijklmnop", "sk-admin..." + "mnop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaskAPIKey(tt.key); got != tt.want {
				t.Errorf("MaskAPIKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestIsValidDate(t *testing.T) {
	tests := []struct {
		date string
		want bool
	}{
		{"2025-06-15", true},
		{"2025-13-01", false},
		{"2025-6-15", false},
		{"not-a-date", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValidDate(tt.date); got != tt.want {
			t.Errorf("IsValidDate(%q) = %v, want %v", tt.date, got, tt.want)
		}
	}
}

func TestDateOfUnix(t *testing.T) {
	// 2024-01-02 00:00:00 UTC
	if got := DateOfUnix(1704153600); got != "2024-01-02" {
		t.Errorf("DateOfUnix = %q, want 2024-01-02", got)
	}
}

func TestDaysSince(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	if got := DaysSince("2025-06-05", now); got != 10 {
		t.Errorf("DaysSince = %d, want 10", got)
	}
	if got := DaysSince("bad", now); got != 0 {
		t.Errorf("非法日期应返回 0, got %d", got)
	}
}
