package cli

import (
	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/orchestrator"
	"github.com/dukafiti/dukasync/remote"
	"github.com/dukafiti/dukasync/storage/sqlite"
	"github.com/dukafiti/dukasync/synckit"
)

// openStore opens the shared SQLite store named by store.path.
func (o *RootOptions) openStore() (*sqlite.Store, error) {
	sc := sqlite.DefaultConfig(o.Config.Store.Path)
	sc.MaxEntities = o.Config.Store.MaxEntities
	sc.MaxBytes = o.Config.Store.MaxBytes
	sc.Logger = o.Logger.WithComponent(logging.Component("sqlite-store"))
	store, err := sqlite.New(sc)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store "+o.Config.Store.Path, err)
	}
	return store, nil
}

// newRemote returns the API client, or nil when no server is configured and
// required is false.
func (o *RootOptions) newRemote(required bool) (synckit.RemoteAPI, error) {
	rc := o.Config.Remote
	if rc.BaseURL == "" {
		if required {
			return nil, WrapExitError(ExitCommandError, "no server configured", o.Config.RequireRemote())
		}
		return nil, nil
	}
	return remote.New(rc.BaseURL,
		remote.WithLimits(rc.Limits()),
		remote.WithTimeout(rc.Timeout),
		remote.WithLogger(o.Logger.WithComponent(logging.Component("remote"))),
	), nil
}

// newOrchestrator builds an orchestrator for a one-shot command. It is not
// started: no probing and no periodic drain.
func (o *RootOptions) newOrchestrator(store synckit.LocalStore, rc synckit.RemoteAPI, opts ...orchestrator.Option) *orchestrator.Orchestrator {
	base := []orchestrator.Option{
		orchestrator.WithLogger(o.Logger),
		orchestrator.InitiallyOnline(rc != nil),
	}
	return orchestrator.New(store, rc, o.Config.Orchestrator(), append(base, opts...)...)
}
