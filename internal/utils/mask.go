package utils

// MaskAPIKey 对 API 密钥脱敏，仅保留首尾片段用于日志与界面展示
func MaskAPIKey(key string) string {
	if len(key) <= 12 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// MaskUserID 对 user_id 脱敏（保护隐私）
func MaskUserID(userID string) string {
	if len(userID) <= 16 {
		return "***"
	}
	return userID[:8] + "***" + userID[len(userID)-4:]
}
