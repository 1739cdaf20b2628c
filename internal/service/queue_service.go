package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OpenDate/OpenDate_Match/signal-server/internal/models"
	"github.com/OpenDate/OpenDate_Match/signal-server/internal/repo"
)

// matchScanLimit はマッチ検索で読む待機エントリ数の上限です
// プールが大きいときに無制限のスキャンをしないための打ち切りで、
// 上限を超えて見つからなかった場合は単にキューに並び直します
const matchScanLimit = 100

// QueueService は待機プールを管理します
// プールは「全員」「male」「female」の3つで、スコアは参加日時
// （小さいほど長く待っている = 先にマッチされる）です
type QueueService struct {
	store repo.Store
}

func NewQueueService(st repo.Store) *QueueService {
	return &QueueService{store: st}
}

// Add は参加者を待機プールに追加します
// 全員プールには必ず入り、gender が male / female の場合は
// 対応する性別プールにも同じエントリが入ります
func (s *QueueService) Add(ctx context.Context, user models.UserData) error {
	b, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	member := string(b)
	score := float64(user.JoinedAt)

	ops := []repo.Op{
		{Kind: repo.OpZAdd, Key: keyWaitingAll, Score: score, Member: member},
	}
	switch user.Gender {
	case models.GenderMale:
		ops = append(ops, repo.Op{Kind: repo.OpZAdd, Key: keyWaitingMale, Score: score, Member: member})
	case models.GenderFemale:
		ops = append(ops, repo.Op{Kind: repo.OpZAdd, Key: keyWaitingFemale, Score: score, Member: member})
	}
	return s.store.Batch(ctx, ops)
}

// Remove は接続IDに一致するエントリを全プールから除去します
// 各プールを線形に走査するため O(プールサイズ) ですが、想定規模では許容範囲です
// 対象がいない場合は何もしません
func (s *QueueService) Remove(ctx context.Context, connId string) error {
	for _, key := range queueKeys {
		members, err := s.store.ZRange(ctx, key, 0, -1)
		if err != nil {
			return err
		}
		for _, m := range members {
			var entry models.UserData
			if json.Unmarshal([]byte(m), &entry) != nil {
				continue // 壊れたエントリは飛ばす
			}
			if entry.ConnId == connId {
				if err := s.store.ZRem(ctx, key, m); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// FindMatch はリクエスターと相性の合う待機者を探します
// 検索対象のプールはリクエスターの希望で決まり（male→maleプール、
// female→femaleプール、それ以外→全員プール）、スコア昇順（= 待ち時間が
// 長い順、FIFO）に走査します
// 候補側の希望が「any」でもリクエスターの性別でもない場合は除外します
// 戻り値の raw はプールに入っているシリアライズ済みエントリそのもので、
// 通話作成時のクレームにそのまま使います
func (s *QueueService) FindMatch(ctx context.Context, user models.UserData) (match models.UserData, raw string, found bool, err error) {
	targetKey := keyWaitingAll
	switch user.GenderPreference {
	case models.GenderMale:
		targetKey = keyWaitingMale
	case models.GenderFemale:
		targetKey = keyWaitingFemale
	}

	members, err := s.store.ZRange(ctx, targetKey, 0, matchScanLimit)
	if err != nil {
		return models.UserData{}, "", false, err
	}

	for _, m := range members {
		var candidate models.UserData
		if json.Unmarshal([]byte(m), &candidate) != nil {
			continue // 壊れたエントリは飛ばす
		}
		// 自分自身はマッチ対象にしない
		if candidate.UserId == user.UserId {
			continue
		}
		// 相手側の希望がこちらの性別と合うかを確認
		if candidate.GenderPreference != models.PreferenceAny && candidate.GenderPreference != user.Gender {
			continue
		}
		return candidate, m, true, nil
	}
	return models.UserData{}, "", false, nil
}

// Position は全員プール内での1始まりの順位を返します
// エントリが見つからない場合（例: 照会の前にマッチ済み）は0を返します
func (s *QueueService) Position(ctx context.Context, user models.UserData) (int64, error) {
	b, err := json.Marshal(user)
	if err != nil {
		return 0, fmt.Errorf("marshal queue entry: %w", err)
	}
	rank, err := s.store.ZRank(ctx, keyWaitingAll, string(b))
	if errors.Is(err, repo.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rank + 1, nil
}
