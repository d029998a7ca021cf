package main

import (
	"context"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/engine"
	"github.com/go-go-golems/chatsync/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// app bundles a started engine with the store it owns.
type app struct {
	settings *config.Settings
	store    store.Store
	engine   *engine.Engine
}

func newApp(opts ...engine.Option) (*app, error) {
	settings, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}
	st, err := store.Open(settings.Store)
	if err != nil {
		return nil, errors.Wrap(err, "could not open local store")
	}
	e, err := engine.New(settings, st, opts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &app{settings: settings, store: st, engine: e}, nil
}

// start restores the local state and waits for a first health probe so that
// one-shot commands see the real backend status.
func (a *app) start(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	snap := a.engine.CheckStatus(ctx)
	log.Debug().Str("status", string(snap.Status)).Str("cause", snap.Cause).Msg("backend probed")
	return nil
}

func (a *app) close() {
	if err := a.engine.Stop(); err != nil && !errors.Is(err, engine.ErrNotStarted) {
		log.Warn().Err(err).Msg("could not stop engine")
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("could not close local store")
	}
}
