package directoryproviders

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

const wecomBaseURL = "https://qyapi.weixin.qq.com/cgi-bin"

var wecomCodes = codeTable{
	-1:    codeTransient, // system busy
	45009: codeTransient, // api freq out of limit
	45033: codeTransient, // api concurrent out of limit
	40001: codeAuth,      // invalid secret
	40013: codeAuth,      // invalid corpid
	40091: codeAuth,      // secret invalid
	48002: codeAuth,      // api forbidden
	60011: codeAuth,      // no privilege to access/modify
	60020: codeAuth,      // not allow to access from your ip
	40014: codeTokenExpired,
	42001: codeTokenExpired,
}

// WeCom reads the directory through the WeCom (WeChat Work) contact API.
// department/list returns the whole subtree in one call, users are listed
// per department without pagination.
type WeCom struct {
	opts  Options
	api   *apiClient
	creds *credentialSource
}

func NewWeCom(opts Options) (*WeCom, error) {
	opts, err := opts.normalized(wecomBaseURL)
	if err != nil {
		return nil, fmt.Errorf("wecom: %w", err)
	}
	w := &WeCom{opts: opts}
	w.api = &apiClient{provider: types.ProviderWeCom, baseURL: opts.BaseURL, hc: opts.HTTPClient, codes: wecomCodes}
	w.creds = newCredentialSource(w.fetchToken, opts.Now)
	w.api.invalidate = w.creds.Invalidate
	return w, nil
}

func (w *WeCom) Provider() types.Provider { return types.ProviderWeCom }

func (w *WeCom) RootDepartmentID() string { return w.opts.RootDepartmentID }

type wecomStatus struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (s wecomStatus) apiStatus() (int, string) { return s.ErrCode, s.ErrMsg }

type wecomTokenResponse struct {
	wecomStatus
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (w *WeCom) fetchToken(ctx context.Context) (string, time.Duration, error) {
	var tr wecomTokenResponse
	err := w.api.call(ctx, apiRequest{
		op:     "gettoken",
		method: http.MethodGet,
		path:   "/gettoken",
		query:  url.Values{"corpid": {w.opts.ClientID}, "corpsecret": {w.opts.Secret}},
	}, &tr)
	if err != nil {
		return "", 0, err
	}
	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}

func (w *WeCom) GetCredential(ctx context.Context) (string, time.Time, error) {
	tok, exp, err := w.creds.Token(ctx)
	if err != nil {
		return "", time.Time{}, credentialError(types.ProviderWeCom, err)
	}
	return tok, exp, nil
}

type wecomDepartment struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID int64  `json:"parentid"`
	Order    int64  `json:"order"`
}

type wecomDepartmentListResponse struct {
	wecomStatus
	Department []wecomDepartment `json:"department"`
}

func (w *WeCom) ListDepartments(ctx context.Context) ([]types.RemoteDepartment, error) {
	tok, _, err := w.GetCredential(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{"access_token": {tok}}
	if w.opts.RootDepartmentID != "" {
		q.Set("id", w.opts.RootDepartmentID)
	}

	var dr wecomDepartmentListResponse
	if err := w.api.call(ctx, apiRequest{op: "department/list", method: http.MethodGet, path: "/department/list", query: q}, &dr); err != nil {
		return nil, err
	}

	out := make([]types.RemoteDepartment, 0, len(dr.Department))
	for _, d := range dr.Department {
		id := idString(d.ID)
		out = append(out, types.RemoteDepartment{
			ExternalID:       id,
			Name:             cleanName(d.Name),
			ParentExternalID: parentRef(id, idString(d.ParentID), w.opts.RootDepartmentID),
			Order:            d.Order,
		})
	}
	return out, nil
}

type wecomUser struct {
	UserID         string  `json:"userid"`
	Name           string  `json:"name"`
	Mobile         string  `json:"mobile"`
	Email          string  `json:"email"`
	BizMail        string  `json:"biz_mail"`
	Avatar         string  `json:"avatar"`
	Position       string  `json:"position"`
	Department     []int64 `json:"department"`
	IsLeaderInDept []int   `json:"is_leader_in_dept"`
	MainDepartment int64   `json:"main_department"`
}

type wecomUserListResponse struct {
	wecomStatus
	UserList []wecomUser `json:"userlist"`
}

func (w *WeCom) ListUsersByDepartment(ctx context.Context, externalDeptID string) ([]types.RemoteUser, error) {
	externalDeptID = strings.TrimSpace(externalDeptID)
	if externalDeptID == "" {
		return nil, types.NewUpstreamValidationError(types.ProviderWeCom, "user/list", fmt.Errorf("department id is required"))
	}
	tok, _, err := w.GetCredential(ctx)
	if err != nil {
		return nil, err
	}

	var ur wecomUserListResponse
	err = w.api.call(ctx, apiRequest{
		op:     "user/list",
		method: http.MethodGet,
		path:   "/user/list",
		query:  url.Values{"access_token": {tok}, "department_id": {externalDeptID}, "fetch_child": {"0"}},
	}, &ur)
	if err != nil {
		return nil, err
	}

	out := make([]types.RemoteUser, 0, len(ur.UserList))
	for _, u := range ur.UserList {
		depts := idStrings(u.Department)
		leaders := make([]bool, len(depts))
		for i := range leaders {
			leaders[i] = i < len(u.IsLeaderInDept) && u.IsLeaderInDept[i] == 1
		}
		depts, leaders = promoteMain(depts, leaders, idString(u.MainDepartment))
		out = append(out, types.RemoteUser{
			ExternalID:            strings.TrimSpace(u.UserID),
			Name:                  cleanName(u.Name),
			Phone:                 strings.TrimSpace(u.Mobile),
			Email:                 firstNonEmpty(u.Email, u.BizMail),
			Avatar:                strings.TrimSpace(u.Avatar),
			DepartmentExternalIDs: depts,
			LeaderFlags:           leaders,
			Position:              strings.TrimSpace(u.Position),
		})
	}
	return out, nil
}

// promoteMain moves the platform's declared main department to index 0,
// keeping the leader flags aligned.
func promoteMain(depts []string, leaders []bool, main string) ([]string, []bool) {
	if main == "" {
		return depts, leaders
	}
	for i, d := range depts {
		if d != main || i == 0 {
			continue
		}
		outD := make([]string, 0, len(depts))
		outL := make([]bool, 0, len(leaders))
		outD = append(outD, depts[i])
		outL = append(outL, leaders[i])
		outD = append(append(outD, depts[:i]...), depts[i+1:]...)
		outL = append(append(outL, leaders[:i]...), leaders[i+1:]...)
		return outD, outL
	}
	return depts, leaders
}
