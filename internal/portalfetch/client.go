// Package portalfetch は外部ポータルから提出・送金データを取得する。
// 実ポータルへのHTTPクライアントと、開発用のシミュレーションクライアントを提供する。
package portalfetch

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/navportal/internal/model"
	"github.com/hitoshi/navportal/internal/security"
)

// defaultFacility は施設ユーザー名未指定時にレコードへ記録する施設名。
const defaultFacility = "Default Facility"

// Request はポータルへの1回分の取得要求。
type Request struct {
	PortalURL  string
	Identity   string
	Secret     security.Secret
	Start      time.Time
	End        time.Time
	Kind       model.DownloadType
	FacilityID string
	// Progress は取得の進み具合を0..1で通知する。nilの場合は通知しない。
	Progress func(fraction float64)
}

func (r Request) report(fraction float64) {
	if r.Progress != nil {
		r.Progress(fraction)
	}
}

// Client はポータルからのデータ取得を抽象化する。
// 失敗時はKindFetchのmodel.APIErrorを返す。
type Client interface {
	Fetch(ctx context.Context, req Request) (*Document, error)
}

// Document は保存される成果物の内容。
type Document struct {
	PortalURL        string             `json:"portal_url"`
	DownloadType     model.DownloadType `json:"download_type"`
	FacilityUsername *string            `json:"facility_username"`
	DateRange        DateRange          `json:"date_range"`
	Timestamp        time.Time          `json:"timestamp"`
	Items            []Record           `json:"items"`
}

// DateRange は取得対象期間。
type DateRange struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// Record は提出または送金の1件分。
// ItemsCountは提出のみ、PaymentMethodとTransactionIDは送金のみ設定される。
type Record struct {
	ID            string `json:"id"`
	Date          string `json:"date"`
	Status        string `json:"status"`
	Amount        Amount `json:"amount"`
	Facility      string `json:"facility"`
	ItemsCount    *int   `json:"items_count,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// Amount は小数2桁の金額。JSONでは数値として出力する。
type Amount struct {
	decimal.Decimal
}

// NewAmount は金額を小数2桁に丸めて生成する。
func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d.Round(2)}
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.StringFixed(2)), nil
}

// newDocument は要求内容からアイテム以外を埋めたDocumentを生成する。
func newDocument(req Request, now time.Time) *Document {
	doc := &Document{
		PortalURL:    req.PortalURL,
		DownloadType: req.Kind,
		DateRange: DateRange{
			StartDate: req.Start.Format(model.DateLayout),
			EndDate:   req.End.Format(model.DateLayout),
		},
		Timestamp: now,
		Items:     []Record{},
	}
	if req.FacilityID != "" {
		f := req.FacilityID
		doc.FacilityUsername = &f
	}
	return doc
}

func facilityName(req Request) string {
	if req.FacilityID == "" {
		return defaultFacility
	}
	return req.FacilityID
}
