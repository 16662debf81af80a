package directoryproviders

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/ports"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

// Options configures one adapter instance. ClientID is the corp id (WeCom),
// app key (DingTalk) or app id (Feishu).
type Options struct {
	ClientID         string
	Secret           string
	RootDepartmentID string
	BaseURL          string
	HTTPClient       *http.Client
	Now              func() time.Time
}

func (o Options) normalized(defaultBaseURL string) (Options, error) {
	o.ClientID = strings.TrimSpace(o.ClientID)
	o.Secret = strings.TrimSpace(o.Secret)
	o.RootDepartmentID = strings.TrimSpace(o.RootDepartmentID)
	o.BaseURL = strings.TrimSpace(o.BaseURL)
	if o.ClientID == "" {
		return Options{}, errors.New("client id is required")
	}
	if o.Secret == "" {
		return Options{}, errors.New("secret is required")
	}
	if o.BaseURL == "" {
		o.BaseURL = defaultBaseURL
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o, nil
}

// New builds the adapter for provider.
func New(provider types.Provider, opts Options) (ports.ProviderAdapter, error) {
	switch provider {
	case types.ProviderWeCom:
		return NewWeCom(opts)
	case types.ProviderDingTalk:
		return NewDingTalk(opts)
	case types.ProviderFeishu:
		return NewFeishu(opts)
	default:
		return nil, fmt.Errorf("directoryproviders: unsupported provider %q", provider)
	}
}
