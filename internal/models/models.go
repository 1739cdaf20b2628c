// Package models はアプリケーションで使用するデータ構造を定義します
package models

// Gender の取りうる値
// これ以外の申告（other / prefer-not-to-say 等）は性別プールには入らず、
// 「any」希望の相手からのみマッチされます
const (
	GenderMale   = "male"
	GenderFemale = "female"
)

// PreferenceAny は相手の性別を問わない希望設定です
const PreferenceAny = "any"

// 通話終了理由
const (
	ReasonCompleted    = "completed"    // 明示的な通話終了
	ReasonSkipped      = "skipped"      // 片方が次の相手をリクエスト
	ReasonDisconnected = "disconnected" // 片方の接続が切断
)

// UserData は1つのWebSocket接続に紐づく参加者情報を表します
// 認証時に作成され、切断時に破棄されます
// キューに入る際はこの構造体のJSONがそのままプールのメンバーになるため、
// シリアライズは全フィールドで可逆でなければなりません
type UserData struct {
	UserId           string `json:"userId"`           // ユーザーの一意な識別子
	UserName         string `json:"userName"`         // 表示名
	Gender           string `json:"gender"`           // 申告された性別
	GenderPreference string `json:"genderPreference"` // 希望する相手の性別（any/male/female）
	ConnId           string `json:"connId"`           // WebSocket接続の識別子
	JoinedAt         int64  `json:"joinedAt"`         // 認証日時（Unixミリ秒、プールのスコア）
}

// ActiveCall は進行中の通話を表します
// createCall でのみ作成され、endCall でのみ破棄されます
type ActiveCall struct {
	CallId    string   `json:"callId"`    // 通話の一意な識別子（再利用されない）
	User1     UserData `json:"user1"`     // マッチを見つけた側（イニシエーター）
	User2     UserData `json:"user2"`     // キューで待機していた側
	StartedAt int64    `json:"startedAt"` // 通話開始日時（Unixミリ秒）
}
