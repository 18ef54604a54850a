package provider

import "github.com/vibast-solutions/ms-go-mpesa/config"

// NewFromConfig picks the gateway implementation once, at startup. Missing or
// placeholder credentials select the mock gateway.
func NewFromConfig(cfg config.MpesaConfig, mockCfg config.MockConfig) Gateway {
	if !cfg.HasCredentials() {
		return NewMockGateway(MockConfig{
			ResolveAfter:     mockCfg.ResolveAfter,
			DeliverCallbacks: mockCfg.DeliverCallbacks,
		})
	}

	return NewMpesaGateway(MpesaConfig{
		ConsumerKey:       cfg.ConsumerKey,
		ConsumerSecret:    cfg.ConsumerSecret,
		BusinessShortCode: cfg.BusinessShortCode,
		Passkey:           cfg.Passkey,
		CallbackURL:       cfg.CallbackURL,
		Environment:       cfg.Environment,
		BaseURL:           cfg.BaseURL,
		HTTPTimeout:       cfg.HTTPTimeout,
		QueryEnabled:      cfg.QueryEnabled,
	})
}
