package models

// Session 登录会话（持久化于本地 KV 存储，进程重启后恢复）
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Username     string `json:"username,omitempty"`
}
