package directoryproviders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewWeCom_RequiresCredentials(t *testing.T) {
	if _, err := NewWeCom(Options{Secret: "s"}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := NewWeCom(Options{ClientID: "c"}); err == nil {
		t.Fatal("expected error")
	}
	w, err := NewWeCom(Options{ClientID: "c", Secret: "s", RootDepartmentID: " 7 "})
	if err != nil {
		t.Fatal(err)
	}
	if w.opts.BaseURL != wecomBaseURL || w.opts.HTTPClient == nil || w.RootDepartmentID() != "7" {
		t.Fatalf("opts=%+v", w.opts)
	}
}

func newWeComServer(t *testing.T, tokenCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	var expireOnce atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		if r.URL.Query().Get("corpid") != "corp" || r.URL.Query().Get("corpsecret") != "sec" {
			writeJSON(w, map[string]any{"errcode": 40001, "errmsg": "invalid credential"})
			return
		}
		writeJSON(w, map[string]any{"errcode": 0, "access_token": "tok", "expires_in": 7200})
	})
	mux.HandleFunc("/cgi-bin/department/list", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "tok" {
			t.Errorf("token=%q", r.URL.Query().Get("access_token"))
		}
		depts := []map[string]any{
			{"id": 2, "name": "Eng", "parentid": 1, "order": 10},
			{"id": 1, "name": " HQ ", "parentid": 0, "order": 1},
			{"id": 3, "name": "Ops", "parentid": 2, "order": 20},
		}
		if r.URL.Query().Get("id") == "2" {
			depts = depts[:1]
			depts = append(depts, map[string]any{"id": 3, "name": "Ops", "parentid": 2, "order": 20})
		}
		writeJSON(w, map[string]any{"errcode": 0, "department": depts})
	})
	mux.HandleFunc("/cgi-bin/user/list", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("department_id") == "9" && expireOnce.CompareAndSwap(false, true) {
			writeJSON(w, map[string]any{"errcode": 42001, "errmsg": "access_token expired"})
			return
		}
		if r.URL.Query().Get("fetch_child") != "0" {
			t.Errorf("fetch_child=%q", r.URL.Query().Get("fetch_child"))
		}
		writeJSON(w, map[string]any{"errcode": 0, "userlist": []map[string]any{
			{
				"userid": "u1", "name": "Ann", "mobile": "138", "biz_mail": "ann@corp.example",
				"position": "Lead", "avatar": "https://a/1", "department": []int{2, 3},
				"is_leader_in_dept": []int{1, 0}, "main_department": 3,
			},
			{"userid": "u2", "name": "Bob", "department": []int{2}},
		}})
	})
	return httptest.NewServer(mux)
}

func TestWeCom(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := newWeComServer(t, &tokenCalls)
	defer srv.Close()

	w, err := NewWeCom(Options{ClientID: "corp", Secret: "sec", BaseURL: srv.URL + "/cgi-bin", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	if w.Provider() != types.ProviderWeCom {
		t.Fatalf("provider=%q", w.Provider())
	}

	t.Run("departments", func(t *testing.T) {
		depts, err := w.ListDepartments(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		want := []types.RemoteDepartment{
			{ExternalID: "2", Name: "Eng", ParentExternalID: "1", Order: 10},
			{ExternalID: "1", Name: "HQ", ParentExternalID: "", Order: 1},
			{ExternalID: "3", Name: "Ops", ParentExternalID: "2", Order: 20},
		}
		if !slices.Equal(depts, want) {
			t.Fatalf("depts=%+v", depts)
		}
	})

	t.Run("users promote the main department", func(t *testing.T) {
		users, err := w.ListUsersByDepartment(context.Background(), "2")
		if err != nil {
			t.Fatal(err)
		}
		if len(users) != 2 {
			t.Fatalf("users=%+v", users)
		}
		u := users[0]
		if u.Email != "ann@corp.example" || u.Position != "Lead" || u.Avatar != "https://a/1" {
			t.Fatalf("user=%+v", u)
		}
		if !slices.Equal(u.DepartmentExternalIDs, []string{"3", "2"}) || !slices.Equal(u.LeaderFlags, []bool{false, true}) {
			t.Fatalf("depts=%v leaders=%v", u.DepartmentExternalIDs, u.LeaderFlags)
		}
		if users[1].IsLeaderAt(0) {
			t.Fatal("unexpected leader")
		}
	})

	t.Run("credential is cached", func(t *testing.T) {
		if tokenCalls.Load() != 1 {
			t.Fatalf("token calls=%d", tokenCalls.Load())
		}
	})

	t.Run("expired token is invalidated and retryable", func(t *testing.T) {
		_, err := w.ListUsersByDepartment(context.Background(), "9")
		if !types.IsUpstreamTransient(err) {
			t.Fatalf("err=%v", err)
		}
		if _, err := w.ListUsersByDepartment(context.Background(), "9"); err != nil {
			t.Fatal(err)
		}
		if tokenCalls.Load() != 2 {
			t.Fatalf("token calls=%d", tokenCalls.Load())
		}
	})

	t.Run("empty department id", func(t *testing.T) {
		if _, err := w.ListUsersByDepartment(context.Background(), " "); !types.IsUpstreamValidation(err) {
			t.Fatalf("err=%v", err)
		}
	})
}

func TestWeCom_ScopedRoot(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := newWeComServer(t, &tokenCalls)
	defer srv.Close()

	w, _ := NewWeCom(Options{ClientID: "corp", Secret: "sec", RootDepartmentID: "2", BaseURL: srv.URL + "/cgi-bin", HTTPClient: srv.Client()})
	depts, err := w.ListDepartments(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(depts) != 2 || depts[0].ExternalID != "2" || depts[0].ParentExternalID != "" || depts[1].ParentExternalID != "2" {
		t.Fatalf("depts=%+v", depts)
	}
}

func TestWeCom_BadCredentialIsAuth(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := newWeComServer(t, &tokenCalls)
	defer srv.Close()

	w, _ := NewWeCom(Options{ClientID: "corp", Secret: "wrong", BaseURL: srv.URL + "/cgi-bin", HTTPClient: srv.Client()})
	if _, _, err := w.GetCredential(context.Background()); !types.IsUpstreamAuth(err) {
		t.Fatalf("err=%v", err)
	}
	if _, err := w.ListDepartments(context.Background()); !types.IsUpstreamAuth(err) {
		t.Fatalf("err=%v", err)
	}
}

func TestPromoteMain(t *testing.T) {
	d, l := promoteMain([]string{"a", "b", "c"}, []bool{true, false, true}, "c")
	if !slices.Equal(d, []string{"c", "a", "b"}) || !slices.Equal(l, []bool{true, true, false}) {
		t.Fatalf("d=%v l=%v", d, l)
	}
	d, _ = promoteMain([]string{"a", "b"}, []bool{false, false}, "z")
	if !slices.Equal(d, []string{"a", "b"}) {
		t.Fatalf("d=%v", d)
	}
}
