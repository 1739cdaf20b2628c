package repo

import (
	"context"
	"errors"
)

// ErrNotFound は指定したキー・フィールドが存在しないことを表します
// 一時的な接続障害（リトライ可能なエラー）とは区別されます
var ErrNotFound = errors.New("not found")

// バッチ内で実行できる書き込み操作の種類
const (
	OpZAdd = "zadd"
	OpZRem = "zrem"
	OpHSet = "hset"
	OpHDel = "hdel"
)

// Op はアトミックバッチ内の1つの書き込み操作を表します
// ClaimBatch ではLuaスクリプトにそのままJSONで渡されます
type Op struct {
	Kind   string  `json:"kind"`
	Key    string  `json:"key"`
	Field  string  `json:"field,omitempty"`
	Value  string  `json:"value,omitempty"`
	Score  float64 `json:"score"`
	Member string  `json:"member,omitempty"`
}

// Store は共有ストアへの薄いアクセス面を提供します
// 複数のサーバープロセスが同じストアに対して同時に読み書きするため、
// 複合的な不変条件は必ず Batch / ClaimBatch で守ります
// 単一プロセス内の実行順序には頼れません
type Store interface {
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error
	// ZRank はメンバーの0始まりの順位を返します（スコア昇順）
	// メンバーが存在しない場合は ErrNotFound を返します
	ZRank(ctx context.Context, key, member string) (int64, error)

	// HGet はフィールドが存在しない場合 ErrNotFound を返します
	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key string, fields ...string) error

	// Batch は複数の書き込みを1つのアトミックなバッチとして実行します
	Batch(ctx context.Context, ops []Op) error

	// ClaimBatch は claimKey から claimMember を条件付きで除去し、
	// 除去できた場合のみ ops をアトミックに実行します
	// claimMember が既に消えていた場合は (false, nil) を返し、何も書き込みません
	ClaimBatch(ctx context.Context, claimKey, claimMember string, ops []Op) (bool, error)
}
