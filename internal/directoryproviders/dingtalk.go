package directoryproviders

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

const (
	dingtalkBaseURL    = "https://oapi.dingtalk.com"
	dingtalkRootDeptID = "1"
	dingtalkPageSize   = 100
)

var dingtalkCodes = codeTable{
	-1:    codeTransient, // system busy
	90002: codeTransient, // calls temporarily disabled
	90018: codeTransient, // enterprise rate limited
	40089: codeAuth,      // invalid appkey or appsecret
	40078: codeAuth,      // app not authorized
	60011: codeAuth,      // insufficient privilege
	40014: codeTokenExpired,
	42001: codeTokenExpired,
}

// DingTalk walks the department tree breadth-first with listsub (one level
// per call) and pages users with a cursor.
type DingTalk struct {
	opts  Options
	api   *apiClient
	creds *credentialSource
}

func NewDingTalk(opts Options) (*DingTalk, error) {
	opts, err := opts.normalized(dingtalkBaseURL)
	if err != nil {
		return nil, fmt.Errorf("dingtalk: %w", err)
	}
	if opts.RootDepartmentID == dingtalkRootDeptID {
		opts.RootDepartmentID = ""
	}
	d := &DingTalk{opts: opts}
	d.api = &apiClient{provider: types.ProviderDingTalk, baseURL: opts.BaseURL, hc: opts.HTTPClient, codes: dingtalkCodes}
	d.creds = newCredentialSource(d.fetchToken, opts.Now)
	d.api.invalidate = d.creds.Invalidate
	return d, nil
}

func (d *DingTalk) Provider() types.Provider { return types.ProviderDingTalk }

func (d *DingTalk) RootDepartmentID() string { return d.opts.RootDepartmentID }

type dingtalkStatus struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (s dingtalkStatus) apiStatus() (int, string) { return s.ErrCode, s.ErrMsg }

type dingtalkTokenResponse struct {
	dingtalkStatus
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (d *DingTalk) fetchToken(ctx context.Context) (string, time.Duration, error) {
	var tr dingtalkTokenResponse
	err := d.api.call(ctx, apiRequest{
		op:     "gettoken",
		method: http.MethodGet,
		path:   "/gettoken",
		query:  url.Values{"appkey": {d.opts.ClientID}, "appsecret": {d.opts.Secret}},
	}, &tr)
	if err != nil {
		return "", 0, err
	}
	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}

func (d *DingTalk) GetCredential(ctx context.Context) (string, time.Time, error) {
	tok, exp, err := d.creds.Token(ctx)
	if err != nil {
		return "", time.Time{}, credentialError(types.ProviderDingTalk, err)
	}
	return tok, exp, nil
}

type dingtalkDepartment struct {
	DeptID   int64  `json:"dept_id"`
	Name     string `json:"name"`
	ParentID int64  `json:"parent_id"`
	Order    int64  `json:"order"`
}

type dingtalkDepartmentResponse struct {
	dingtalkStatus
	Result dingtalkDepartment `json:"result"`
}

type dingtalkDepartmentListResponse struct {
	dingtalkStatus
	Result []dingtalkDepartment `json:"result"`
}

func (d *DingTalk) post(ctx context.Context, op, path string, body any, out apiEnvelope) error {
	tok, _, err := d.GetCredential(ctx)
	if err != nil {
		return err
	}
	return d.api.call(ctx, apiRequest{
		op:     op,
		method: http.MethodPost,
		path:   path,
		query:  url.Values{"access_token": {tok}},
		body:   body,
	}, out)
}

func (d *DingTalk) rootID() string {
	if d.opts.RootDepartmentID != "" {
		return d.opts.RootDepartmentID
	}
	return dingtalkRootDeptID
}

func (d *DingTalk) ListDepartments(ctx context.Context) ([]types.RemoteDepartment, error) {
	rootID := d.rootID()
	rootNum, err := strconv.ParseInt(rootID, 10, 64)
	if err != nil {
		return nil, types.NewUpstreamValidationError(types.ProviderDingTalk, "department/get", fmt.Errorf("root department %q: %w", rootID, err))
	}

	var root dingtalkDepartmentResponse
	if err := d.post(ctx, "department/get", "/topapi/v2/department/get", map[string]any{"dept_id": rootNum}, &root); err != nil {
		return nil, err
	}
	out := []types.RemoteDepartment{{
		ExternalID: rootID,
		Name:       cleanName(root.Result.Name),
		Order:      root.Result.Order,
	}}

	seen := map[int64]struct{}{rootNum: {}}
	queue := []int64{rootNum}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		parent := queue[0]
		queue = queue[1:]

		var lr dingtalkDepartmentListResponse
		if err := d.post(ctx, "department/listsub", "/topapi/v2/department/listsub", map[string]any{"dept_id": parent}, &lr); err != nil {
			return nil, err
		}
		for i, c := range lr.Result {
			if _, dup := seen[c.DeptID]; dup || c.DeptID == 0 {
				continue
			}
			seen[c.DeptID] = struct{}{}
			queue = append(queue, c.DeptID)

			order := c.Order
			if order == 0 {
				order = int64(i)
			}
			parentID := c.ParentID
			if parentID == 0 {
				parentID = parent
			}
			id := idString(c.DeptID)
			out = append(out, types.RemoteDepartment{
				ExternalID:       id,
				Name:             cleanName(c.Name),
				ParentExternalID: parentRef(id, idString(parentID), rootID),
				Order:            order,
			})
		}
	}
	return out, nil
}

type dingtalkUser struct {
	UserID     string  `json:"userid"`
	Name       string  `json:"name"`
	Mobile     string  `json:"mobile"`
	Email      string  `json:"email"`
	OrgEmail   string  `json:"org_email"`
	Avatar     string  `json:"avatar"`
	Title      string  `json:"title"`
	DeptIDList []int64 `json:"dept_id_list"`
	Leader     bool    `json:"leader"`
}

type dingtalkUserListResponse struct {
	dingtalkStatus
	Result struct {
		HasMore    bool           `json:"has_more"`
		NextCursor int64          `json:"next_cursor"`
		List       []dingtalkUser `json:"list"`
	} `json:"result"`
}

func (d *DingTalk) ListUsersByDepartment(ctx context.Context, externalDeptID string) ([]types.RemoteUser, error) {
	deptNum, err := strconv.ParseInt(strings.TrimSpace(externalDeptID), 10, 64)
	if err != nil {
		return nil, types.NewUpstreamValidationError(types.ProviderDingTalk, "user/list", fmt.Errorf("department %q: %w", externalDeptID, err))
	}
	listing := idString(deptNum)

	var out []types.RemoteUser
	var cursor int64
	for {
		var ur dingtalkUserListResponse
		body := map[string]any{"dept_id": deptNum, "cursor": cursor, "size": dingtalkPageSize}
		if err := d.post(ctx, "user/list", "/topapi/v2/user/list", body, &ur); err != nil {
			return nil, err
		}
		for _, u := range ur.Result.List {
			depts := idStrings(u.DeptIDList)
			if len(depts) == 0 {
				depts = []string{listing}
			}
			// leader is reported for the department being listed only.
			leaders := make([]bool, len(depts))
			if u.Leader {
				if i := slices.Index(depts, listing); i >= 0 {
					leaders[i] = true
				}
			}
			out = append(out, types.RemoteUser{
				ExternalID:            strings.TrimSpace(u.UserID),
				Name:                  cleanName(u.Name),
				Phone:                 strings.TrimSpace(u.Mobile),
				Email:                 firstNonEmpty(u.Email, u.OrgEmail),
				Avatar:                strings.TrimSpace(u.Avatar),
				DepartmentExternalIDs: depts,
				LeaderFlags:           leaders,
				Position:              strings.TrimSpace(u.Title),
			})
		}
		if !ur.Result.HasMore {
			return out, nil
		}
		if ur.Result.NextCursor <= cursor {
			return nil, types.NewUpstreamValidationError(types.ProviderDingTalk, "user/list", fmt.Errorf("department %s: cursor did not advance", listing))
		}
		cursor = ur.Result.NextCursor
	}
}
