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

// Package tscmd facilitates the command line interface (CLI)
// and implements the main().
package tscmd

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/tracesketch/tracesketch/skapp"
	"github.com/tracesketch/tracesketch/sketch"
	"go.uber.org/zap"
)

var (
	dataDir    = flag.String("data-dir", "", "data directory (default: platform config dir)")
	listenAddr = flag.String("listen", "", "HTTP listen address (overrides config)")
	adminUser  = flag.String("create-admin", "", "create an admin user with this username, then exit")
)

func Main() {
	flag.Parse()

	cfg, err := skapp.LoadConfig(*dataDir)
	if err != nil {
		sketch.Log.Fatal("failed loading config", zap.Error(err))
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := skapp.New(ctx, cfg)
	if err != nil {
		sketch.Log.Fatal("failed to start application", zap.Error(err))
	}

	if *adminUser != "" {
		if _, err := app.Service().CreateUser(ctx, *adminUser, *adminUser, true); err != nil {
			sketch.Log.Fatal("creating admin user", zap.Error(err))
		}
		sketch.Log.Info("admin user created", zap.String("username", *adminUser))
		if err := app.Shutdown(); err != nil {
			sketch.Log.Error("shutting down", zap.Error(err))
		}
		return
	}

	if err := app.Serve(ctx); err != nil {
		sketch.Log.Fatal("server failed", zap.Error(err))
	}
}
