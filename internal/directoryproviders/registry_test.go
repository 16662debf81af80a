package directoryproviders

import (
	"slices"
	"testing"

	"github.com/jacksonlee411/dirsync/internal/config"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

func TestNewRegistryFromConfig(t *testing.T) {
	cfg := &config.Config{Providers: []config.Provider{
		{CompanyID: "c1", Provider: types.ProviderWeCom, Enabled: true, CorpID: "corp", AppSecret: "s"},
		{CompanyID: "c1", Provider: types.ProviderFeishu, Enabled: true, AppID: "cli", AppSecret: "s", RootDepartmentID: "od-1"},
		{CompanyID: "c1", Provider: types.ProviderDingTalk, Enabled: false},
		{CompanyID: "c2", Provider: types.ProviderDingTalk, Enabled: true, AppID: "key", AppSecret: "s"},
	}}

	r, err := NewRegistryFromConfig(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.EnabledProviders("c1"); !slices.Equal(got, []types.Provider{types.ProviderFeishu, types.ProviderWeCom}) {
		t.Fatalf("enabled=%v", got)
	}
	if got := r.EnabledProviders("nobody"); got == nil || len(got) != 0 {
		t.Fatalf("enabled=%v", got)
	}
	if _, ok := r.Adapter("c1", types.ProviderDingTalk); ok {
		t.Fatal("disabled provider must not resolve")
	}
	a, ok := r.Adapter("c1", types.ProviderFeishu)
	if !ok || a.RootDepartmentID() != "od-1" {
		t.Fatalf("adapter=%v ok=%v", a, ok)
	}
	if _, ok := r.Adapter("c2", types.ProviderDingTalk); !ok {
		t.Fatal("expected c2 dingtalk")
	}
}

func TestNewRegistryFromConfig_InvalidProvider(t *testing.T) {
	cfg := &config.Config{Providers: []config.Provider{
		{CompanyID: "c1", Provider: types.ProviderWeCom, Enabled: true},
	}}
	if _, err := NewRegistryFromConfig(cfg, nil, nil); err == nil {
		t.Fatal("expected error")
	}
	if _, err := New(types.Provider("slack"), Options{ClientID: "a", Secret: "b"}); err == nil {
		t.Fatal("expected error")
	}
}
