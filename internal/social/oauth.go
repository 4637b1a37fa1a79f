package social

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/d60-Lab/linkpilot/internal/model"
)

// DefaultTokenLifetime 令牌响应缺少 expires_in 时使用（60 天）
const DefaultTokenLifetime = 5184000 * time.Second

type OAuthOptions struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
	HTTPClient   *http.Client
	Now          func() time.Time
}

// OAuth authorization-code 流程
type OAuth struct {
	cfg    *oauth2.Config
	client *http.Client
	now    func() time.Time
}

func NewOAuth(opts OAuthOptions) *OAuth {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &OAuth{
		cfg: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURI,
			Scopes:       opts.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   opts.AuthURL,
				TokenURL:  opts.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: opts.HTTPClient,
		now:    opts.Now,
	}
}

// Configured client id/secret 都已配置
func (o *OAuth) Configured() bool {
	return o.cfg.ClientID != "" && o.cfg.ClientSecret != ""
}

func (o *OAuth) AuthCodeURL(state string) string {
	return o.cfg.AuthCodeURL(state)
}

// Exchange 用授权码换取凭证
func (o *OAuth) Exchange(ctx context.Context, code string) (*model.Credential, error) {
	if o.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.client)
	}
	tok, err := o.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	now := o.now().UTC()
	expires := tok.Expiry
	if expires.IsZero() {
		expires = now.Add(DefaultTokenLifetime)
	}
	scope, _ := tok.Extra("scope").(string)
	if scope == "" {
		scope = strings.Join(o.cfg.Scopes, " ")
	}
	return &model.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scope:        scope,
		ExpiresAt:    expires.UTC(),
		IssuedAt:     now,
	}, nil
}
