package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OpenDate/OpenDate_Match/signal-server/internal/idgen"
	"github.com/OpenDate/OpenDate_Match/signal-server/internal/models"
	"github.com/OpenDate/OpenDate_Match/signal-server/internal/repo"
)

// CallService は通話レコードのライフサイクルを管理します
// 通話レコードと user→call 索引は必ず同じアトミック操作で書き込み、
// 両ストアが食い違わないようにします
type CallService struct {
	store repo.Store
}

func NewCallService(st repo.Store) *CallService {
	return &CallService{store: st}
}

// Start はリクエスターと候補の通話を作成します
// candidateRaw は FindMatch が返したプール内のシリアライズ済みエントリで、
// 「エントリがまだ存在することの確認」と「全プールからの除去」と
// 「通話レコード・索引の書き込み」を1回のアトミック操作で行います
// 候補のエントリが既に消えていた（別のマッチに取られた、または切断された）
// 場合は ErrClaimConflict を返し、何も書き込みません
func (s *CallService) Start(ctx context.Context, requester, candidate models.UserData, candidateRaw string) (models.ActiveCall, error) {
	call := models.ActiveCall{
		CallId:    idgen.NewULID(),
		User1:     requester,
		User2:     candidate,
		StartedAt: time.Now().UnixMilli(),
	}
	callJSON, err := json.Marshal(call)
	if err != nil {
		return models.ActiveCall{}, fmt.Errorf("marshal call: %w", err)
	}
	requesterRaw, err := json.Marshal(requester)
	if err != nil {
		return models.ActiveCall{}, fmt.Errorf("marshal requester: %w", err)
	}

	// クレームは全員プールのエントリに対して行います（待機者は必ず全員プールに
	// 入っている）。残りの書き込みはクレーム成功時のみ実行されます
	ops := []repo.Op{
		{Kind: repo.OpZRem, Key: keyWaitingMale, Member: candidateRaw},
		{Kind: repo.OpZRem, Key: keyWaitingFemale, Member: candidateRaw},
	}
	// リクエスターは通常プールに入らないままマッチしますが、
	// 取り残しがあっても不変条件が壊れないよう全プールから除去します
	for _, key := range queueKeys {
		ops = append(ops, repo.Op{Kind: repo.OpZRem, Key: key, Member: string(requesterRaw)})
	}
	ops = append(ops,
		repo.Op{Kind: repo.OpHSet, Key: keyActiveCalls, Field: call.CallId, Value: string(callJSON)},
		repo.Op{Kind: repo.OpHSet, Key: keyUserCall, Field: requester.UserId, Value: call.CallId},
		repo.Op{Kind: repo.OpHSet, Key: keyUserCall, Field: candidate.UserId, Value: call.CallId},
	)

	claimed, err := s.store.ClaimBatch(ctx, keyWaitingAll, candidateRaw, ops)
	if err != nil {
		return models.ActiveCall{}, err
	}
	if !claimed {
		return models.ActiveCall{}, ErrClaimConflict
	}
	return call, nil
}

// End は通話を終了し、レコードと索引をアトミックに削除します
// レコードが既にない場合（二重終了・クラッシュ後の不整合）は
// ended=false で静かに成功します
func (s *CallService) End(ctx context.Context, callId string) (call models.ActiveCall, ended bool, err error) {
	val, err := s.store.HGet(ctx, keyActiveCalls, callId)
	if errors.Is(err, repo.ErrNotFound) {
		return models.ActiveCall{}, false, nil
	}
	if err != nil {
		return models.ActiveCall{}, false, err
	}
	if err := json.Unmarshal([]byte(val), &call); err != nil {
		return models.ActiveCall{}, false, fmt.Errorf("unmarshal call: %w", err)
	}

	err = s.store.Batch(ctx, []repo.Op{
		{Kind: repo.OpHDel, Key: keyActiveCalls, Field: callId},
		{Kind: repo.OpHDel, Key: keyUserCall, Field: call.User1.UserId},
		{Kind: repo.OpHDel, Key: keyUserCall, Field: call.User2.UserId},
	})
	if err != nil {
		return models.ActiveCall{}, false, err
	}
	return call, true, nil
}

// CallIdForUser はユーザーが通話中かどうかをO(1)で調べます
// 戻り値: 通話ID、通話中フラグ、エラー
func (s *CallService) CallIdForUser(ctx context.Context, userId string) (string, bool, error) {
	callId, err := s.store.HGet(ctx, keyUserCall, userId)
	if errors.Is(err, repo.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return callId, true, nil
}
