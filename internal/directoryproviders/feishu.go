package directoryproviders

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

const (
	feishuBaseURL    = "https://open.feishu.cn/open-apis"
	feishuRootDeptID = "0"
	feishuPageSize   = 50
	feishuMaxPages   = 10000
)

var feishuCodes = codeTable{
	99991400: codeTransient, // request frequency limit
	1000004:  codeTransient, // internal error
	10003:    codeAuth,      // invalid app_id
	10014:    codeAuth,      // app_secret invalid
	99991672: codeAuth,      // no permission for the api
	40004:    codeAuth,      // no department authority
	99991661: codeTokenExpired,
	99991663: codeTokenExpired,
	99991668: codeTokenExpired,
	99991677: codeTokenExpired,
}

// Feishu pages through departments with fetch_child so one walk covers the
// scope subtree. Leadership lives on the department (leader_user_id), so the
// last department listing is kept to derive user leader flags.
type Feishu struct {
	opts  Options
	api   *apiClient
	creds *credentialSource

	mu      sync.Mutex
	leaders map[string]string
}

func NewFeishu(opts Options) (*Feishu, error) {
	opts, err := opts.normalized(feishuBaseURL)
	if err != nil {
		return nil, fmt.Errorf("feishu: %w", err)
	}
	if opts.RootDepartmentID == feishuRootDeptID {
		opts.RootDepartmentID = ""
	}
	f := &Feishu{opts: opts, leaders: map[string]string{}}
	f.api = &apiClient{provider: types.ProviderFeishu, baseURL: opts.BaseURL, hc: opts.HTTPClient, codes: feishuCodes}
	f.creds = newCredentialSource(f.fetchToken, opts.Now)
	f.api.invalidate = f.creds.Invalidate
	return f, nil
}

func (f *Feishu) Provider() types.Provider { return types.ProviderFeishu }

func (f *Feishu) RootDepartmentID() string { return f.opts.RootDepartmentID }

type feishuStatus struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (s feishuStatus) apiStatus() (int, string) { return s.Code, s.Msg }

type feishuTokenResponse struct {
	feishuStatus
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int64  `json:"expire"`
}

func (f *Feishu) fetchToken(ctx context.Context) (string, time.Duration, error) {
	var tr feishuTokenResponse
	err := f.api.call(ctx, apiRequest{
		op:     "tenant_access_token",
		method: http.MethodPost,
		path:   "/auth/v3/tenant_access_token/internal",
		body:   map[string]string{"app_id": f.opts.ClientID, "app_secret": f.opts.Secret},
	}, &tr)
	if err != nil {
		return "", 0, err
	}
	return tr.TenantAccessToken, time.Duration(tr.Expire) * time.Second, nil
}

func (f *Feishu) GetCredential(ctx context.Context) (string, time.Time, error) {
	tok, exp, err := f.creds.Token(ctx)
	if err != nil {
		return "", time.Time{}, credentialError(types.ProviderFeishu, err)
	}
	return tok, exp, nil
}

func (f *Feishu) get(ctx context.Context, op, path string, q url.Values, out apiEnvelope) error {
	tok, _, err := f.GetCredential(ctx)
	if err != nil {
		return err
	}
	return f.api.call(ctx, apiRequest{
		op:     op,
		method: http.MethodGet,
		path:   path,
		query:  q,
		header: http.Header{"Authorization": {"Bearer " + tok}},
	}, out)
}

type feishuDepartment struct {
	OpenDepartmentID   string  `json:"open_department_id"`
	Name               string  `json:"name"`
	ParentDepartmentID string  `json:"parent_department_id"`
	Order              flexInt `json:"order"`
	LeaderUserID       string  `json:"leader_user_id"`
}

type feishuDepartmentResponse struct {
	feishuStatus
	Data struct {
		Department feishuDepartment `json:"department"`
	} `json:"data"`
}

type feishuDepartmentPage struct {
	feishuStatus
	Data struct {
		HasMore   bool               `json:"has_more"`
		PageToken string             `json:"page_token"`
		Items     []feishuDepartment `json:"items"`
	} `json:"data"`
}

func departmentQuery() url.Values {
	return url.Values{
		"department_id_type": {"open_department_id"},
		"user_id_type":       {"user_id"},
	}
}

func (f *Feishu) ListDepartments(ctx context.Context) ([]types.RemoteDepartment, error) {
	scope := f.opts.RootDepartmentID
	leaders := map[string]string{}
	var out []types.RemoteDepartment

	add := func(d feishuDepartment) {
		id := strings.TrimSpace(d.OpenDepartmentID)
		if id == "" {
			return
		}
		out = append(out, types.RemoteDepartment{
			ExternalID:       id,
			Name:             cleanName(d.Name),
			ParentExternalID: parentRef(id, d.ParentDepartmentID, scope),
			Order:            int64(d.Order),
		})
		if l := strings.TrimSpace(d.LeaderUserID); l != "" {
			leaders[id] = l
		}
	}

	walkFrom := feishuRootDeptID
	if scope != "" {
		var dr feishuDepartmentResponse
		if err := f.get(ctx, "departments/get", "/contact/v3/departments/"+url.PathEscape(scope), departmentQuery(), &dr); err != nil {
			return nil, err
		}
		dr.Data.Department.OpenDepartmentID = scope
		add(dr.Data.Department)
		walkFrom = scope
	}

	pageToken := ""
	for range feishuMaxPages {
		q := departmentQuery()
		q.Set("fetch_child", "true")
		q.Set("page_size", strconv.Itoa(feishuPageSize))
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}
		var page feishuDepartmentPage
		if err := f.get(ctx, "departments/children", "/contact/v3/departments/"+url.PathEscape(walkFrom)+"/children", q, &page); err != nil {
			return nil, err
		}
		for _, d := range page.Data.Items {
			add(d)
		}
		if !page.Data.HasMore || page.Data.PageToken == "" {
			f.mu.Lock()
			f.leaders = leaders
			f.mu.Unlock()
			return out, nil
		}
		pageToken = page.Data.PageToken
	}
	return nil, types.NewUpstreamValidationError(types.ProviderFeishu, "departments/children", fmt.Errorf("pagination did not terminate"))
}

type feishuUser struct {
	UserID          string   `json:"user_id"`
	UnionID         string   `json:"union_id"`
	OpenID          string   `json:"open_id"`
	Name            string   `json:"name"`
	Mobile          string   `json:"mobile"`
	Email           string   `json:"email"`
	EnterpriseEmail string   `json:"enterprise_email"`
	JobTitle        string   `json:"job_title"`
	DepartmentIDs   []string `json:"department_ids"`
	Avatar          struct {
		AvatarOrigin string `json:"avatar_origin"`
		Avatar240    string `json:"avatar_240"`
	} `json:"avatar"`
}

type feishuUserPage struct {
	feishuStatus
	Data struct {
		HasMore   bool         `json:"has_more"`
		PageToken string       `json:"page_token"`
		Items     []feishuUser `json:"items"`
	} `json:"data"`
}

func (f *Feishu) leaderOf(deptID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaders[deptID]
}

func (f *Feishu) ListUsersByDepartment(ctx context.Context, externalDeptID string) ([]types.RemoteUser, error) {
	externalDeptID = strings.TrimSpace(externalDeptID)
	if externalDeptID == "" {
		return nil, types.NewUpstreamValidationError(types.ProviderFeishu, "users/find_by_department", fmt.Errorf("department id is required"))
	}

	var out []types.RemoteUser
	pageToken := ""
	for range feishuMaxPages {
		q := departmentQuery()
		q.Set("department_id", externalDeptID)
		q.Set("page_size", strconv.Itoa(feishuPageSize))
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}
		var page feishuUserPage
		if err := f.get(ctx, "users/find_by_department", "/contact/v3/users/find_by_department", q, &page); err != nil {
			return nil, err
		}
		for _, u := range page.Data.Items {
			id := firstNonEmpty(u.UserID, u.UnionID, u.OpenID)
			depts := make([]string, 0, len(u.DepartmentIDs))
			for _, d := range u.DepartmentIDs {
				if d = strings.TrimSpace(d); d != "" {
					depts = append(depts, d)
				}
			}
			if len(depts) == 0 {
				depts = []string{externalDeptID}
			}
			leaders := make([]bool, len(depts))
			for i, d := range depts {
				leaders[i] = id != "" && f.leaderOf(d) == id
			}
			out = append(out, types.RemoteUser{
				ExternalID:            id,
				Name:                  cleanName(u.Name),
				Phone:                 strings.TrimSpace(u.Mobile),
				Email:                 firstNonEmpty(u.Email, u.EnterpriseEmail),
				Avatar:                firstNonEmpty(u.Avatar.AvatarOrigin, u.Avatar.Avatar240),
				DepartmentExternalIDs: depts,
				LeaderFlags:           leaders,
				Position:              strings.TrimSpace(u.JobTitle),
			})
		}
		if !page.Data.HasMore || page.Data.PageToken == "" {
			return out, nil
		}
		pageToken = page.Data.PageToken
	}
	return nil, types.NewUpstreamValidationError(types.ProviderFeishu, "users/find_by_department", fmt.Errorf("pagination did not terminate"))
}
