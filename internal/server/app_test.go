package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jacksonlee411/dirsync/internal/config"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

func TestNewApp_Memory(t *testing.T) {
	cfg := testConfig()
	cfg.Providers[0].Enabled = false
	app, err := NewApp(context.Background(), cfg, AppOptions{Store: StoreMemory})
	if err != nil {
		t.Fatal(err)
	}
	defer app.Close()

	if got := app.Registry.EnabledProviders("c1"); len(got) != 0 {
		t.Fatalf("enabled=%v", got)
	}
	h, err := app.Handler(authorizerStub{allowed: true, enforced: true}, context.Background())
	if err != nil {
		t.Fatal(err)
	}

	rec := do(h, http.MethodPost, "/sync", adminToken, `{"provider":"wecom"}`)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "provider_not_configured" {
		t.Fatalf("status=%d", rec.Code)
	}
	rec = do(h, http.MethodGet, "/sync-logs", adminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	runs, err := app.Queries.ListRuns(context.Background(), "c1", "", 0)
	if err != nil || len(runs) != 0 {
		t.Fatalf("runs=%v err=%v", runs, err)
	}
}

func TestNewApp_Errors(t *testing.T) {
	ctx := context.Background()
	if _, err := NewApp(ctx, testConfig(), AppOptions{Store: "sqlite"}); err == nil {
		t.Fatal("expected error")
	}

	cfg := testConfig()
	cfg.Privileged = config.Privileged{Expression: "member.email +"}
	if _, err := NewApp(ctx, cfg, AppOptions{}); err == nil {
		t.Fatal("expected privileged expression error")
	}

	cfg = testConfig()
	cfg.RoleRules = []config.RoleRule{{Role: "x", Expression: "1"}}
	if _, err := NewApp(ctx, cfg, AppOptions{}); err == nil {
		t.Fatal("expected role rule error")
	}

	if _, err := NewApp(ctx, testConfig(), AppOptions{Store: StorePostgres, DatabaseURL: "postgres://u:p@127.0.0.1:1/db?connect_timeout=1"}); err == nil {
		t.Fatal("expected database error")
	}
}

func TestScheduler(t *testing.T) {
	cfg := testConfig()
	cfg.Providers[0].SyncInterval = config.Duration(time.Minute)
	cfg.Providers = append(cfg.Providers,
		config.Provider{CompanyID: "c1", Provider: types.ProviderFeishu, Enabled: true, AppID: "a", AppSecret: "s"},
		config.Provider{CompanyID: "c1", Provider: types.ProviderDingTalk, Enabled: false, SyncInterval: config.Duration(time.Minute)},
	)

	runner := &runnerStub{}
	s := NewScheduler(cfg, runner, nil)
	if len(s.providers) != 1 {
		t.Fatalf("providers=%+v", s.providers)
	}

	ticks := make(chan time.Time)
	var interval time.Duration
	s.newTicker = func(d time.Duration) (<-chan time.Time, func()) {
		interval = d
		return ticks, func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	ticks <- time.Now()
	ticks <- time.Now()
	cancel()
	<-done

	if interval != time.Minute {
		t.Fatalf("interval=%v", interval)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.companyID != "c1" || runner.opts.Provider != types.ProviderWeCom || runner.opts.SyncUsers {
		t.Fatalf("company=%q opts=%+v", runner.companyID, runner.opts)
	}
}

func TestScheduler_NoProviders(t *testing.T) {
	s := NewScheduler(&config.Config{}, &runnerStub{}, nil)
	s.Run(context.Background())
}
