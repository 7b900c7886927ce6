package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/navportal/internal/auth"
	"github.com/hitoshi/navportal/internal/credential"
	"github.com/hitoshi/navportal/internal/job"
	"github.com/hitoshi/navportal/internal/middleware"
	"github.com/hitoshi/navportal/internal/model"
	"github.com/hitoshi/navportal/internal/portal"
)

var (
	member = model.Principal{UserID: 10, Username: "member"}
	admin  = model.Principal{UserID: 1, Username: "root", IsAdmin: true}
)

// --- モック定義 ---

type mockAuthService struct {
	registerFn       func(ctx context.Context, in auth.AccountInput) (*model.User, error)
	loginFn          func(ctx context.Context, username, password string) (*model.Session, *model.User, error)
	logoutFn         func(ctx context.Context, sessionID string) error
	getCurrentUserFn func(ctx context.Context, userID int64) (*model.User, error)
}

func (m *mockAuthService) Register(ctx context.Context, in auth.AccountInput) (*model.User, error) {
	return m.registerFn(ctx, in)
}

func (m *mockAuthService) Login(ctx context.Context, username, password string) (*model.Session, *model.User, error) {
	return m.loginFn(ctx, username, password)
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthService) GetCurrentUser(ctx context.Context, userID int64) (*model.User, error) {
	return m.getCurrentUserFn(ctx, userID)
}

type mockPortalService struct {
	listFn   func(ctx context.Context) ([]*model.Portal, error)
	getFn    func(ctx context.Context, id int64) (*model.Portal, error)
	createFn func(ctx context.Context, actor model.Principal, in portal.Input) (*model.Portal, error)
	updateFn func(ctx context.Context, actor model.Principal, id int64, in portal.Input) (*model.Portal, error)
	deleteFn func(ctx context.Context, actor model.Principal, id int64) error
	usageFn  func(ctx context.Context, actor model.Principal, id int64) (model.PortalUsage, error)
}

func (m *mockPortalService) List(ctx context.Context) ([]*model.Portal, error) {
	return m.listFn(ctx)
}

func (m *mockPortalService) Get(ctx context.Context, id int64) (*model.Portal, error) {
	return m.getFn(ctx, id)
}

func (m *mockPortalService) Create(ctx context.Context, actor model.Principal, in portal.Input) (*model.Portal, error) {
	return m.createFn(ctx, actor, in)
}

func (m *mockPortalService) Update(ctx context.Context, actor model.Principal, id int64, in portal.Input) (*model.Portal, error) {
	return m.updateFn(ctx, actor, id, in)
}

func (m *mockPortalService) Delete(ctx context.Context, actor model.Principal, id int64) error {
	return m.deleteFn(ctx, actor, id)
}

func (m *mockPortalService) Usage(ctx context.Context, actor model.Principal, id int64) (model.PortalUsage, error) {
	return m.usageFn(ctx, actor, id)
}

type mockCredentialService struct {
	listFn   func(ctx context.Context, p model.Principal) ([]model.CredentialSummary, error)
	getFn    func(ctx context.Context, p model.Principal, id int64) (*model.Credential, error)
	createFn func(ctx context.Context, p model.Principal, in credential.Input) (*model.Credential, error)
	updateFn func(ctx context.Context, p model.Principal, id int64, in credential.Input) (*model.Credential, error)
	deleteFn func(ctx context.Context, p model.Principal, id int64) error
}

func (m *mockCredentialService) List(ctx context.Context, p model.Principal) ([]model.CredentialSummary, error) {
	return m.listFn(ctx, p)
}

func (m *mockCredentialService) Get(ctx context.Context, p model.Principal, id int64) (*model.Credential, error) {
	return m.getFn(ctx, p, id)
}

func (m *mockCredentialService) Create(ctx context.Context, p model.Principal, in credential.Input) (*model.Credential, error) {
	return m.createFn(ctx, p, in)
}

func (m *mockCredentialService) Update(ctx context.Context, p model.Principal, id int64, in credential.Input) (*model.Credential, error) {
	return m.updateFn(ctx, p, id, in)
}

func (m *mockCredentialService) Delete(ctx context.Context, p model.Principal, id int64) error {
	return m.deleteFn(ctx, p, id)
}

type mockJobService struct {
	submitFn       func(ctx context.Context, p model.Principal, req job.SubmitRequest) (int64, error)
	getStatusFn    func(ctx context.Context, p model.Principal, id int64) (*job.StatusView, error)
	listFn         func(ctx context.Context, p model.Principal, limit int) ([]model.DownloadSummary, error)
	deleteFn       func(ctx context.Context, p model.Principal, id int64) error
	openArtifactFn func(ctx context.Context, p model.Principal, id int64) (io.ReadCloser, string, error)
}

func (m *mockJobService) Submit(ctx context.Context, p model.Principal, req job.SubmitRequest) (int64, error) {
	return m.submitFn(ctx, p, req)
}

func (m *mockJobService) GetStatus(ctx context.Context, p model.Principal, id int64) (*job.StatusView, error) {
	return m.getStatusFn(ctx, p, id)
}

func (m *mockJobService) List(ctx context.Context, p model.Principal, limit int) ([]model.DownloadSummary, error) {
	return m.listFn(ctx, p, limit)
}

func (m *mockJobService) Delete(ctx context.Context, p model.Principal, id int64) error {
	return m.deleteFn(ctx, p, id)
}

func (m *mockJobService) OpenArtifact(ctx context.Context, p model.Principal, id int64) (io.ReadCloser, string, error) {
	return m.openArtifactFn(ctx, p, id)
}

type mockUserService struct {
	listFn        func(ctx context.Context, actor model.Principal) ([]*model.User, error)
	createFn      func(ctx context.Context, actor model.Principal, in auth.AccountInput, isAdmin bool) (*model.User, error)
	toggleAdminFn func(ctx context.Context, actor model.Principal, id int64) (*model.User, error)
	deleteFn      func(ctx context.Context, actor model.Principal, id int64) error
}

func (m *mockUserService) List(ctx context.Context, actor model.Principal) ([]*model.User, error) {
	return m.listFn(ctx, actor)
}

func (m *mockUserService) Create(ctx context.Context, actor model.Principal, in auth.AccountInput, isAdmin bool) (*model.User, error) {
	return m.createFn(ctx, actor, in, isAdmin)
}

func (m *mockUserService) ToggleAdmin(ctx context.Context, actor model.Principal, id int64) (*model.User, error) {
	return m.toggleAdminFn(ctx, actor, id)
}

func (m *mockUserService) Delete(ctx context.Context, actor model.Principal, id int64) error {
	return m.deleteFn(ctx, actor, id)
}

// --- ヘルパー ---

// newRequest はPrincipalと{id}パスパラメータを設定したリクエストを生成する。
// idが空の場合はパスパラメータを設定しない。
func newRequest(method, target, body string, p *model.Principal, id string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	ctx := req.Context()
	if p != nil {
		ctx = middleware.ContextWithPrincipal(ctx, *p)
	}
	if id != "" {
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", id)
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}
	return req.WithContext(ctx)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}
