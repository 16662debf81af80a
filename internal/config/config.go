package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

const defaultPath = "config/dirsync.yaml"

type Company struct {
	ID     string `yaml:"id"`
	Domain string `yaml:"domain"`
	Name   string `yaml:"name"`
}

type Provider struct {
	CompanyID        string         `yaml:"company_id"`
	Provider         types.Provider `yaml:"provider"`
	Enabled          bool           `yaml:"enabled"`
	CorpID           string         `yaml:"corp_id"`
	AppID            string         `yaml:"app_id"`
	AppSecret        string         `yaml:"app_secret"`
	AgentID          string         `yaml:"agent_id"`
	RootDepartmentID string         `yaml:"root_department_id"`
	BaseURL          string         `yaml:"base_url"`
	SyncInterval     Duration       `yaml:"sync_interval"`
	SyncDepartments  *bool          `yaml:"sync_departments"`
	SyncUsers        *bool          `yaml:"sync_users"`
}

// DefaultOptions applies the provider's configured pass toggles on top of
// the engine defaults.
func (p Provider) DefaultOptions() types.SyncOptions {
	opts := types.DefaultSyncOptions(p.Provider)
	if p.SyncDepartments != nil {
		opts.SyncDepartments = *p.SyncDepartments
	}
	if p.SyncUsers != nil {
		opts.SyncUsers = *p.SyncUsers
	}
	return opts
}

func (p Provider) hasCredentials() bool {
	if strings.TrimSpace(p.AppSecret) == "" {
		return false
	}
	return strings.TrimSpace(p.AppID) != "" || strings.TrimSpace(p.CorpID) != ""
}

// ClientID is the credential identifier: corp_id for WeCom, app_id otherwise.
func (p Provider) ClientID() string {
	if p.Provider == types.ProviderWeCom && strings.TrimSpace(p.CorpID) != "" {
		return strings.TrimSpace(p.CorpID)
	}
	return strings.TrimSpace(p.AppID)
}

type Privileged struct {
	ExternalIDs []string `yaml:"external_ids"`
	Expression  string   `yaml:"expression"`
}

type RoleRule struct {
	Role       string `yaml:"role"`
	Expression string `yaml:"expression"`
}

type Sync struct {
	CallTimeout Duration `yaml:"call_timeout"`
	MaxRetries  *uint64  `yaml:"max_retries"`
	RetryDelay  Duration `yaml:"retry_delay"`
}

type APIToken struct {
	TokenSHA256 string `yaml:"token_sha256"`
	Role        string `yaml:"role"`
}

type Config struct {
	Version    int        `yaml:"version"`
	Companies  []Company  `yaml:"companies"`
	Providers  []Provider `yaml:"providers"`
	Privileged Privileged `yaml:"privileged"`
	RoleRules  []RoleRule `yaml:"role_rules"`
	Sync       Sync       `yaml:"sync"`
	APITokens  []APIToken `yaml:"api_tokens"`
}

// Duration accepts Go duration strings ("30s", "5m") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	if v < 0 {
		return fmt.Errorf("config: negative duration %q", raw)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadDotEnv reads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the file named by DIRSYNC_CONFIG, or config/dirsync.yaml found
// by walking up from the working directory.
func Load() (*Config, error) {
	path := os.Getenv("DIRSYNC_CONFIG")
	if path == "" {
		p, err := defaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return LoadFile(path)
}

func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse expands ${VAR} references from the environment, decodes and
// validates the document.
func Parse(b []byte) (*Config, error) {
	expanded := os.Expand(string(b), func(key string) string {
		if key == "$" {
			return "$"
		}
		return os.Getenv(key)
	})

	var c Config
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.Version != 1 {
		return errors.New("config: unsupported version")
	}
	if len(c.Companies) == 0 {
		return errors.New("config: no companies")
	}

	companies := make(map[string]struct{}, len(c.Companies))
	domains := make(map[string]struct{}, len(c.Companies))
	for i := range c.Companies {
		co := &c.Companies[i]
		co.ID = strings.TrimSpace(co.ID)
		co.Domain = strings.ToLower(strings.TrimSpace(co.Domain))
		if co.ID == "" || co.Domain == "" {
			return errors.New("config: invalid company")
		}
		if _, dup := domains[co.Domain]; dup {
			return fmt.Errorf("config: duplicate company domain %q", co.Domain)
		}
		companies[co.ID] = struct{}{}
		domains[co.Domain] = struct{}{}
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		parsed, ok := types.ParseProvider(string(p.Provider))
		if !ok {
			return fmt.Errorf("config: unknown provider %q", p.Provider)
		}
		p.Provider = parsed
		if _, ok := companies[p.CompanyID]; !ok {
			return fmt.Errorf("config: provider %s references unknown company %q", p.Provider, p.CompanyID)
		}
		key := p.CompanyID + "/" + string(p.Provider)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("config: duplicate provider %s", key)
		}
		seen[key] = struct{}{}
		if p.Enabled && !p.hasCredentials() {
			return fmt.Errorf("config: provider %s is enabled without credentials", key)
		}
	}

	for _, r := range c.RoleRules {
		if strings.TrimSpace(r.Role) == "" || strings.TrimSpace(r.Expression) == "" {
			return errors.New("config: invalid role rule")
		}
	}
	for i := range c.APITokens {
		t := &c.APITokens[i]
		t.TokenSHA256 = strings.ToLower(strings.TrimSpace(t.TokenSHA256))
		if raw, err := hex.DecodeString(t.TokenSHA256); err != nil || len(raw) != 32 || strings.TrimSpace(t.Role) == "" {
			return errors.New("config: invalid api token")
		}
	}
	return nil
}

// CompanyByDomain resolves the tenant for a request host (port stripped,
// case-insensitive).
func (c *Config) CompanyByDomain(host string) (Company, bool) {
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	host = strings.ToLower(strings.TrimSpace(host))
	for _, co := range c.Companies {
		if co.Domain == host {
			return co, true
		}
	}
	return Company{}, false
}

func (c *Config) Company(id string) (Company, bool) {
	for _, co := range c.Companies {
		if co.ID == id {
			return co, true
		}
	}
	return Company{}, false
}

func (c *Config) Provider(companyID string, provider types.Provider) (Provider, bool) {
	for _, p := range c.Providers {
		if p.CompanyID == companyID && p.Provider == provider {
			return p, true
		}
	}
	return Provider{}, false
}

func defaultConfigPath() (string, error) {
	path := defaultPath
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("config: dirsync.yaml not found")
}

// DatabaseURL returns DATABASE_URL or builds a DSN from the DB_* variables.
func DatabaseURL() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}

	host := GetenvDefault("DB_HOST", "127.0.0.1")
	port := GetenvDefault("DB_PORT", "5432")
	user := GetenvDefault("DB_USER", "dirsync")
	pass := GetenvDefault("DB_PASSWORD", "dirsync")
	name := GetenvDefault("DB_NAME", "dirsync")
	sslmode := GetenvDefault("DB_SSLMODE", "disable")

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   host + ":" + port,
		Path:   "/" + name,
	}
	q := u.Query()
	q.Set("sslmode", sslmode)
	u.RawQuery = q.Encode()
	return u.String()
}

func GetenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
