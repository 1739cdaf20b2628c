package service

import "errors"

// カスタムエラー定義
var (
	ErrNotAuthenticated = errors.New("authentication required")
	ErrAlreadyInCall    = errors.New("already in a call")

	// ErrClaimConflict はマッチ候補のキューエントリが、クレームの前に
	// 別のプロセスに取られた（または切断で消えた）ことを表します
	// 呼び出し側は候補の検索からやり直します
	ErrClaimConflict = errors.New("queue entry already claimed")
)
