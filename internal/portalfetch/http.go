package portalfetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/navportal/internal/model"
)

// DefaultMaxBodySize はポータル応答の既定の最大サイズ（10MB）。
const DefaultMaxBodySize int64 = 10 << 20

// errBodyTooLarge は応答がmaxBodySizeを超えた場合のエラー。
var errBodyTooLarge = errors.New("response body too large")

// HTTPClient は実ポータルのAPIからJSONを取得するクライアント。
// GET {portal}/api/{kind}s?start_date=..&end_date=..&facility=.. をBasic認証で呼び出す。
type HTTPClient struct {
	httpClient  *http.Client
	logger      *slog.Logger
	maxBodySize int64
	now         func() time.Time
}

// NewHTTPClient はHTTPClientを生成する。httpClientにはSSRF防止済みのクライアントを渡す。
func NewHTTPClient(httpClient *http.Client, logger *slog.Logger, maxBodySize int64) *HTTPClient {
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}
	return &HTTPClient{
		httpClient:  httpClient,
		logger:      logger,
		maxBodySize: maxBodySize,
		now:         time.Now,
	}
}

// portalResponse はポータルAPIの応答形式。
type portalResponse struct {
	Items []Record `json:"items"`
}

// Fetch はポータルAPIを呼び出してDocumentを組み立てる。
func (c *HTTPClient) Fetch(ctx context.Context, req Request) (*Document, error) {
	endpoint, err := buildEndpoint(req)
	if err != nil {
		return nil, model.NewFetchError("ポータルURLが不正です", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, model.NewFetchError("リクエストの作成に失敗しました", err)
	}
	httpReq.SetBasicAuth(req.Identity, req.Secret.Reveal())
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "NavPortal/1.0")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("ポータルへのリクエストに失敗しました",
			slog.String("portal_url", req.PortalURL),
			slog.String("download_type", string(req.Kind)),
			slog.String("error", err.Error()),
		)
		return nil, model.NewFetchError("ポータルに接続できませんでした", err)
	}
	defer resp.Body.Close()

	c.logger.Info("ポータルが応答しました",
		slog.String("portal_url", req.PortalURL),
		slog.Int("http_status", resp.StatusCode),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	if reason, ok := classifyStatus(resp.StatusCode); !ok {
		return nil, model.NewFetchError(reason, fmt.Errorf("status %d", resp.StatusCode))
	}
	req.report(0.5)

	body, err := readLimited(resp.Body, c.maxBodySize)
	if err != nil {
		return nil, model.NewFetchError("応答の読み取りに失敗しました", err)
	}

	var parsed portalResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, model.NewFetchError("応答のJSONが不正です", err)
	}
	req.report(1)

	doc := newDocument(req, c.now())
	for _, r := range parsed.Items {
		r.Amount = NewAmount(r.Amount.Decimal)
		if r.Facility == "" {
			r.Facility = facilityName(req)
		}
		doc.Items = append(doc.Items, r)
	}
	return doc, nil
}

func buildEndpoint(req Request) (string, error) {
	base, err := url.Parse(req.PortalURL)
	if err != nil {
		return "", err
	}
	u := base.JoinPath("api", string(req.Kind)+"s")
	q := url.Values{}
	q.Set("start_date", req.Start.Format(model.DateLayout))
	q.Set("end_date", req.End.Format(model.DateLayout))
	if req.FacilityID != "" {
		q.Set("facility", req.FacilityID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// classifyStatus はHTTPステータスを判定し、失敗時は理由を返す。
func classifyStatus(status int) (string, bool) {
	switch {
	case status == http.StatusOK:
		return "", true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "ポータルが認証情報を拒否しました", false
	case status == http.StatusNotFound || status == http.StatusGone:
		return "ポータルに取得APIが見つかりません", false
	case status == http.StatusTooManyRequests:
		return "ポータルのレート制限に達しました", false
	case status >= 500:
		return "ポータルが一時的に利用できません", false
	default:
		return fmt.Sprintf("ポータルが予期しないステータス %d を返しました", status), false
	}
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}
