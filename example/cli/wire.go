package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mnehpets/onelogin/auth"
	"github.com/mnehpets/onelogin/config"
	"github.com/mnehpets/onelogin/securestore"
	"github.com/mnehpets/onelogin/session"
	"github.com/mnehpets/onelogin/token"
)

const keyringKeyEntry = "store-key"

// app holds the wired components for one command invocation.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	store   *securestore.Store
	client  *token.Client
	tokens  *token.Manager
	pending *auth.PendingStore
	session *session.Store
}

func newApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ep, err := cfg.Endpoint(ctx)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, store: store}
	a.client, err = token.NewClient(ep.TokenURL, cfg.ClientID,
		token.WithClientLogger(log.WithField("component", "token_client")))
	if err != nil {
		return nil, err
	}
	a.tokens, err = token.NewManager(store, a.client,
		token.WithRefreshBuffer(cfg.RefreshBuffer()),
		token.WithManagerLogger(log.WithField("component", "token_manager")),
		token.WithRefreshFailureHandler(func(err error) {
			log.WithError(err).Warn("session expired; run login again")
		}),
	)
	if err != nil {
		return nil, err
	}
	a.pending, err = auth.NewPendingStore(store, cfg.PendingTTL())
	if err != nil {
		return nil, err
	}
	if cfg.BackendURL != "" {
		bc, err := session.NewBackendClient(cfg.BackendURL,
			session.WithBackendLogger(log.WithField("component", "backend")))
		if err != nil {
			return nil, err
		}
		a.session, err = session.NewStore(bc, store, cfg.Provider,
			session.WithLogger(log.WithField("component", "session")))
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// authenticator builds an Authenticator around agent. redirectURI replaces
// the configured one when the receiver picked the port.
func (a *app) authenticator(ctx context.Context, agent auth.UserAgent, redirectURI string) (*auth.Authenticator, error) {
	ep, err := a.cfg.Endpoint(ctx)
	if err != nil {
		return nil, err
	}
	opts := []auth.Option{auth.WithLogger(a.log.WithField("component", "authenticator"))}
	if a.session != nil {
		opts = append(opts, auth.WithSession(a.session))
	}
	return auth.NewAuthenticator(auth.Settings{
		ClientID:     a.cfg.ClientID,
		RedirectURI:  redirectURI,
		Scopes:       a.cfg.Scopes,
		AuthEndpoint: ep.AuthURL,
		Prompt:       a.cfg.Prompt,
	}, a.client, a.tokens, a.pending, agent, opts...)
}

func openStore(ctx context.Context, cfg *config.Config) (*securestore.Store, error) {
	var backend securestore.Backend
	switch cfg.Store.Kind {
	case config.StoreMemory:
		backend = securestore.NewMemoryBackend()
	case config.StoreKeyring:
		kb, err := securestore.NewKeyringBackend(cfg.Store.Service)
		if err != nil {
			return nil, err
		}
		backend = kb
	default:
		dir, err := cfg.StoreDir()
		if err != nil {
			return nil, err
		}
		fb, err := securestore.NewFileBackend(dir)
		if err != nil {
			return nil, err
		}
		backend = fb
	}

	key, err := storeKey(ctx, cfg)
	if err != nil {
		return nil, err
	}
	codec, err := securestore.NewCodec(cfg.Store.KeyID, map[string][]byte{cfg.Store.KeyID: key}, nil)
	if err != nil {
		return nil, err
	}
	return securestore.New(backend, codec, securestore.WithNamespace(cfg.ClientID))
}

// storeKey returns the configured key. Without one, the keyring kind keeps
// a generated key in the keyring and the memory kind uses a throwaway key.
func storeKey(ctx context.Context, cfg *config.Config) ([]byte, error) {
	key, err := cfg.StoreKey()
	if err != nil || key != nil {
		return key, err
	}
	switch cfg.Store.Kind {
	case config.StoreMemory:
		return securestore.GenerateKey()
	case config.StoreKeyring:
		kb, err := securestore.NewKeyringBackend(cfg.Store.Service)
		if err != nil {
			return nil, err
		}
		raw, err := kb.Read(ctx, keyringKeyEntry)
		if err == nil {
			return base64.RawURLEncoding.DecodeString(string(raw))
		}
		if !errors.Is(err, securestore.ErrNotFound) {
			return nil, err
		}
		key, err := securestore.GenerateKey()
		if err != nil {
			return nil, err
		}
		if err := kb.Write(ctx, keyringKeyEntry, []byte(base64.RawURLEncoding.EncodeToString(key))); err != nil {
			return nil, err
		}
		return key, nil
	default:
		return nil, fmt.Errorf("the %s store needs %sSTORE_KEY (32 bytes, base64)", cfg.Store.Kind, config.EnvPrefix)
	}
}
