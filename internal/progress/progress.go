// Package progress はダウンロードの残り時間を推定する。
package progress

import (
	"fmt"
	"time"
)

// Estimate は作成時刻からの経過時間と進捗率から残り時間を推定する。
// 進捗が0以下、100以上、または経過時間が0以下の場合はfalseを返す。
func Estimate(createdAt, now time.Time, progress int) (time.Duration, bool) {
	if progress <= 0 || progress >= 100 {
		return 0, false
	}
	elapsed := now.Sub(createdAt)
	if elapsed <= 0 {
		return 0, false
	}
	remaining := elapsed / time.Duration(progress) * time.Duration(100-progress)
	return remaining, true
}

// Describe は残り時間を表示用の文字列にする。分は切り捨て。
func Describe(d time.Duration) string {
	minutes := int(d / time.Minute)
	if minutes <= 0 {
		return "Less than a minute"
	}
	return fmt.Sprintf("About %d minute(s)", minutes)
}

// Completion は状態がin_progressかつ進捗がある場合のみ表示文字列を返す。
func Completion(inProgress bool, createdAt, now time.Time, progress int) *string {
	if !inProgress {
		return nil
	}
	d, ok := Estimate(createdAt, now, progress)
	if !ok {
		return nil
	}
	s := Describe(d)
	return &s
}
