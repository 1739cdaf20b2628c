package service

// 共有ストア上のキー配置
// 複数のサーバープロセスが同じキーを読み書きします
const (
	keyWaitingAll    = "queue:waiting:all"    // ZSET: 待機中の全参加者（スコア=JoinedAt）
	keyWaitingMale   = "queue:waiting:male"   // ZSET: gender=male の待機者
	keyWaitingFemale = "queue:waiting:female" // ZSET: gender=female の待機者
	keyUserData      = "user:data"            // HASH: connId → UserDataのJSON
	keyActiveCalls   = "calls:active"         // HASH: callId → ActiveCallのJSON
	keyUserCall      = "user:call"            // HASH: userId → callId（通話中チェック用の逆引き）
)

// queueKeys は参加者が入りうる全プールです
// 除去は必ず全プールに対して行います
var queueKeys = []string{keyWaitingAll, keyWaitingMale, keyWaitingFemale}
