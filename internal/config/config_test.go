package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

const validDoc = `version: 1
companies:
  - id: c1
    domain: Acme.Localhost
    name: Acme
providers:
  - company_id: c1
    provider: wework
    enabled: true
    corp_id: corp
    app_secret: ${DIRSYNC_TEST_SECRET}
    root_department_id: "7"
    sync_interval: 15m
    sync_users: false
  - company_id: c1
    provider: lark
    enabled: false
privileged:
  external_ids: [admin]
  expression: member.position == "CEO"
role_rules:
  - role: manager
    expression: member.position != ""
sync:
  call_timeout: 10s
  max_retries: 0
  retry_delay: 500ms
api_tokens:
  - token_sha256: 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
    role: directory-admin
`

func TestParse(t *testing.T) {
	t.Setenv("DIRSYNC_TEST_SECRET", "s3cret")

	c, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatal(err)
	}
	wecom, ok := c.Provider("c1", types.ProviderWeCom)
	if !ok || wecom.AppSecret != "s3cret" || wecom.ClientID() != "corp" {
		t.Fatalf("wecom=%+v ok=%v", wecom, ok)
	}
	if wecom.SyncInterval.Std() != 15*time.Minute {
		t.Fatalf("interval=%v", wecom.SyncInterval.Std())
	}
	opts := wecom.DefaultOptions()
	if opts.SyncUsers || !opts.SyncDepartments || !opts.SyncManagers || opts.SyncType != types.SyncTypeFull {
		t.Fatalf("opts=%+v", opts)
	}
	if _, ok := c.Provider("c1", types.ProviderFeishu); !ok {
		t.Fatal("lark alias not normalized")
	}
	if c.Sync.MaxRetries == nil || *c.Sync.MaxRetries != 0 || c.Sync.RetryDelay.Std() != 500*time.Millisecond {
		t.Fatalf("sync=%+v", c.Sync)
	}
	if co, ok := c.CompanyByDomain("ACME.localhost:8080"); !ok || co.ID != "c1" {
		t.Fatalf("company=%+v ok=%v", co, ok)
	}
	if _, ok := c.CompanyByDomain("other.localhost"); ok {
		t.Fatal("unexpected company")
	}
}

func TestParse_Errors(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
		want string
	}{
		{name: "yaml", doc: "version: [", want: ""},
		{name: "version", doc: "version: 2\n", want: "unsupported version"},
		{name: "no companies", doc: "version: 1\n", want: "no companies"},
		{name: "invalid company", doc: "version: 1\ncompanies:\n  - id: c1\n", want: "invalid company"},
		{name: "duplicate domain", doc: "version: 1\ncompanies:\n  - {id: a, domain: x}\n  - {id: b, domain: X}\n", want: "duplicate company domain"},
		{name: "unknown provider", doc: "version: 1\ncompanies:\n  - {id: a, domain: x}\nproviders:\n  - {company_id: a, provider: slack}\n", want: "unknown provider"},
		{name: "unknown company", doc: "version: 1\ncompanies:\n  - {id: a, domain: x}\nproviders:\n  - {company_id: b, provider: feishu}\n", want: "unknown company"},
		{name: "duplicate provider", doc: "version: 1\ncompanies:\n  - {id: a, domain: x}\nproviders:\n  - {company_id: a, provider: feishu}\n  - {company_id: a, provider: lark}\n", want: "duplicate provider"},
		{name: "enabled without secret", doc: "version: 1\ncompanies:\n  - {id: a, domain: x}\nproviders:\n  - {company_id: a, provider: feishu, enabled: true, app_id: x}\n", want: "without credentials"},
		{name: "bad duration", doc: "version: 1\ncompanies:\n  - {id: a, domain: x}\nsync:\n  call_timeout: soon\n", want: "invalid duration"},
		{name: "negative duration", doc: "version: 1\ncompanies:\n  - {id: a, domain: x}\nsync:\n  retry_delay: -1s\n", want: "negative duration"},
		{name: "role rule", doc: "version: 1\ncompanies:\n  - {id: a, domain: x}\nrole_rules:\n  - {role: r}\n", want: "invalid role rule"},
		{name: "api token", doc: "version: 1\ncompanies:\n  - {id: a, domain: x}\napi_tokens:\n  - {token_sha256: abc, role: r}\n", want: "invalid api token"},
		{name: "api token not hex", doc: "version: 1\ncompanies:\n  - {id: a, domain: x}\napi_tokens:\n  - {token_sha256: " + strings.Repeat("z", 64) + ", role: r}\n", want: "invalid api token"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.want != "" && !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v", err)
			}
		})
	}
}

func TestParse_DollarEscape(t *testing.T) {
	c, err := Parse([]byte("version: 1\ncompanies:\n  - {id: a, domain: x, name: \"cost $$5\"}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Companies[0].Name != "cost $5" {
		t.Fatalf("name=%q", c.Companies[0].Name)
	}
}

func TestLoad(t *testing.T) {
	tmp := t.TempDir()
	p := filepath.Join(tmp, "dirsync.yaml")
	if err := os.WriteFile(p, []byte("version: 1\ncompanies:\n  - {id: a, domain: x}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DIRSYNC_CONFIG", p)
	if _, err := Load(); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DIRSYNC_CONFIG", filepath.Join(tmp, "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected missing file error")
	}
}

func TestShippedConfigEnablesNoTokens(t *testing.T) {
	c, err := LoadFile(filepath.Join("..", "..", defaultPath))
	if err != nil {
		t.Fatal(err)
	}
	if len(c.APITokens) != 0 {
		t.Fatalf("sample config ships %d api tokens", len(c.APITokens))
	}
}

func TestDefaultConfigPath_WalksUp(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, defaultPath), []byte("version: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	got, err := defaultConfigPath()
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join("..", "..", defaultPath) {
		t.Fatalf("got=%q", got)
	}

	t.Chdir(t.TempDir())
	if _, err := defaultConfigPath(); err == nil {
		t.Fatal("expected not found")
	}
}

func TestLoadDotEnv(t *testing.T) {
	tmp := t.TempDir()
	p := filepath.Join(tmp, ".env")
	if err := os.WriteFile(p, []byte("DIRSYNC_DOTENV_A=from-file\nDIRSYNC_DOTENV_B=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DIRSYNC_DOTENV_A", "")
	t.Setenv("DIRSYNC_DOTENV_B", "preset")
	_ = os.Unsetenv("DIRSYNC_DOTENV_A")

	if err := LoadDotEnv(p, filepath.Join(tmp, "missing.env")); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("DIRSYNC_DOTENV_A"); got != "from-file" {
		t.Fatalf("A=%q", got)
	}
	if got := os.Getenv("DIRSYNC_DOTENV_B"); got != "preset" {
		t.Fatalf("B=%q", got)
	}
}

func TestDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://x")
	if got := DatabaseURL(); got != "postgres://x" {
		t.Fatalf("got=%q", got)
	}

	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_PASSWORD", "p@ss")
	t.Setenv("DB_NAME", "dir")
	t.Setenv("DB_SSLMODE", "require")
	if got := DatabaseURL(); got != "postgres://u:p%40ss@db:6543/dir?sslmode=require" {
		t.Fatalf("got=%q", got)
	}
}
