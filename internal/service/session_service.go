// Package service はマッチングと通話管理のビジネスロジックを担当します
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OpenDate/OpenDate_Match/signal-server/internal/models"
	"github.com/OpenDate/OpenDate_Match/signal-server/internal/repo"
)

// SessionService は接続ごとの参加者情報（UserData）を管理します
// 認証時に保存され、切断時に削除されます
type SessionService struct {
	store repo.Store
}

func NewSessionService(st repo.Store) *SessionService {
	return &SessionService{store: st}
}

// SaveUser は参加者情報を保存します
// 同じ接続で再度呼ばれた場合は上書きします（希望設定の更新もこの経路）
func (s *SessionService) SaveUser(ctx context.Context, user models.UserData) error {
	b, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user data: %w", err)
	}
	return s.store.HSet(ctx, keyUserData, user.ConnId, string(b))
}

// GetUser は接続IDに紐づく参加者情報を取得します
// 戻り値: 参加者情報、存在フラグ、エラー
func (s *SessionService) GetUser(ctx context.Context, connId string) (models.UserData, bool, error) {
	val, err := s.store.HGet(ctx, keyUserData, connId)
	if errors.Is(err, repo.ErrNotFound) {
		return models.UserData{}, false, nil
	}
	if err != nil {
		return models.UserData{}, false, err
	}
	var user models.UserData
	if err := json.Unmarshal([]byte(val), &user); err != nil {
		return models.UserData{}, false, fmt.Errorf("unmarshal user data: %w", err)
	}
	return user, true, nil
}

// DeleteUser は参加者情報を削除します
func (s *SessionService) DeleteUser(ctx context.Context, connId string) error {
	return s.store.HDel(ctx, keyUserData, connId)
}
