/*
	Tracesketch
	Copyright (c) 2024 The Tracesketch Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package skapp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/tracesketch/tracesketch/eventstore"
	"github.com/tracesketch/tracesketch/sketch"
	"go.uber.org/zap"
)

// App ties the config, the domain service, and the HTTP server
// together for one process.
type App struct {
	cfg     *Config
	log     *zap.Logger
	service *sketch.Service
	server  *server
}

// New connects to the event store, opens the metadata store, and
// returns an app ready to serve.
func New(ctx context.Context, cfg *Config) (*App, error) {
	cfg.fillDefaults()

	es, err := eventstore.NewClient(eventstore.Config{
		Addresses: cfg.OpenSearch.Addresses,
		Username:  cfg.OpenSearch.Username,
		Password:  cfg.OpenSearch.Password,
		PoolSize:  cfg.OpenSearch.PoolSize,
	}, sketch.Log)
	if err != nil {
		return nil, fmt.Errorf("connecting event store: %w", err)
	}

	service, err := sketch.Open(ctx, cfg.DataDir, es, cfg.serviceOptions())
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	app := &App{
		cfg:     cfg,
		log:     sketch.Log.Named("app"),
		service: service,
	}
	app.server = &server{
		app: app,
		log: sketch.Log.Named("http"),
	}
	app.server.registerRoutes()
	return app, nil
}

// Serve starts the HTTP server and blocks until ctx is canceled or the
// listener fails.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Listen, err)
	}

	a.server.httpServer = &http.Server{
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.log.Info("server listening", zap.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the HTTP server and closes the metadata store.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	if a.server.httpServer != nil {
		if err := a.server.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := a.service.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.log.Info("server stopped")
	return firstErr
}

// Service exposes the domain service, mainly for tests and commands.
func (a *App) Service() *sketch.Service { return a.service }
