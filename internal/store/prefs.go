package store

import (
	"context"
	"errors"
)

const themePrefKey = "thingsnxt:pref:theme"

// Preferences 用户偏好（主题等展示层设置，随设备持久化）
type Preferences struct {
	kv KVStore
}

func NewPreferences(kv KVStore) *Preferences {
	return &Preferences{kv: kv}
}

// Theme 读取主题偏好，未设置时返回 "dark"
func (p *Preferences) Theme(ctx context.Context) (string, error) {
	val, err := p.kv.Get(ctx, themePrefKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "dark", nil
		}
		return "", err
	}
	return val, nil
}

// SetTheme 写入主题偏好
func (p *Preferences) SetTheme(ctx context.Context, theme string) error {
	return p.kv.Set(ctx, themePrefKey, theme, 0)
}
