package portalfetch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/navportal/internal/model"
)

const (
	// maxSimulatedRecords は1回の取得で生成する最大レコード数（1日1件）。
	maxSimulatedRecords = 10
	// simulatedSteps は進捗通知の回数。
	simulatedSteps = 5
)

var (
	submissionStatuses = []string{"Submitted", "Processed", "Pending"}
	remittanceStatuses = []string{"Paid", "Pending", "Rejected"}
	paymentMethods     = []string{"ACH", "Check", "Wire"}
)

// Simulated は実ポータルの代わりにランダムなデータを返すクライアント。
// ステップごとにlatencyだけ待機し、進捗を通知する。
type Simulated struct {
	latency time.Duration
	now     func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated はSimulatedを生成する。rngがnilの場合は時刻で初期化する。
func NewSimulated(latency time.Duration, rng *rand.Rand) *Simulated {
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return &Simulated{latency: latency, now: time.Now, rng: rng}
}

// Fetch はlatency×ステップ数の時間をかけて模擬データを生成する。
// 認証情報が空の場合はポータルが拒否したものとして失敗する。
func (s *Simulated) Fetch(ctx context.Context, req Request) (*Document, error) {
	if req.Identity == "" || req.Secret.IsZero() {
		return nil, model.NewFetchError("ポータルが認証情報を拒否しました", nil)
	}

	for step := 1; step <= simulatedSteps; step++ {
		if err := sleepCtx(ctx, s.latency); err != nil {
			return nil, model.NewFetchError("取得が中断されました", err)
		}
		req.report(float64(step) / simulatedSteps)
	}

	doc := newDocument(req, s.now())
	days := int(req.End.Sub(req.Start).Hours()/24) + 1
	n := min(days, maxSimulatedRecords)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		date := req.Start.AddDate(0, 0, i).Format(model.DateLayout)
		if req.Kind == model.TypeSubmission {
			doc.Items = append(doc.Items, s.submission(date, facilityName(req)))
		} else {
			doc.Items = append(doc.Items, s.remittance(date, facilityName(req)))
		}
	}
	return doc, nil
}

func (s *Simulated) submission(date, facility string) Record {
	count := s.intRange(5, 50)
	return Record{
		ID:         fmt.Sprintf("SUB%d", s.intRange(1000, 9999)),
		Date:       date,
		Status:     pick(s.rng, submissionStatuses),
		Amount:     s.amount(100, 5000),
		Facility:   facility,
		ItemsCount: &count,
	}
}

func (s *Simulated) remittance(date, facility string) Record {
	return Record{
		ID:            fmt.Sprintf("REM%d", s.intRange(1000, 9999)),
		Date:          date,
		Status:        pick(s.rng, remittanceStatuses),
		Amount:        s.amount(500, 10000),
		Facility:      facility,
		PaymentMethod: pick(s.rng, paymentMethods),
		TransactionID: fmt.Sprintf("TX%d", s.intRange(10000, 99999)),
	}
}

// intRange は[lo, hi]の整数を返す。
func (s *Simulated) intRange(lo, hi int) int {
	return lo + s.rng.IntN(hi-lo+1)
}

// amount は[lo, hi]のセント単位の金額を返す。
func (s *Simulated) amount(lo, hi int64) Amount {
	cents := lo*100 + s.rng.Int64N((hi-lo)*100+1)
	return NewAmount(decimal.New(cents, -2))
}

func pick(rng *rand.Rand, options []string) string {
	return options[rng.IntN(len(options))]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
