// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Unistord is the multi-backend file storage gateway daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unistor/unistor/internal/http/middleware"
	"github.com/unistor/unistor/internal/http/services/adminapi"
	"github.com/unistor/unistor/internal/http/services/fsapi"
	"github.com/unistor/unistor/internal/http/services/proxysvc"
	"github.com/unistor/unistor/internal/http/services/shareapi"
	"github.com/unistor/unistor/pkg/apikey"
	"github.com/unistor/unistor/pkg/crypto"
	"github.com/unistor/unistor/pkg/link"
	"github.com/unistor/unistor/pkg/log"
	"github.com/unistor/unistor/pkg/mount"
	"github.com/unistor/unistor/pkg/objectstore"
	"github.com/unistor/unistor/pkg/share"
	"github.com/unistor/unistor/pkg/storage"
	"github.com/unistor/unistor/pkg/storage/cache"
	storageconfig "github.com/unistor/unistor/pkg/storage/config"
	_ "github.com/unistor/unistor/pkg/storage/fs/loader"
	"github.com/unistor/unistor/pkg/store"
	"github.com/unistor/unistor/pkg/upload"
	"github.com/unistor/unistor/pkg/vfs"
)

type config struct {
	Core struct {
		LogLevel string `toml:"log_level"`
		LogMode  string `toml:"log_mode"`
	} `toml:"core"`
	HTTP struct {
		Address string `toml:"address"`
		BaseURL string `toml:"base_url"`
	} `toml:"http"`
	DB struct {
		Driver string `toml:"driver"`
		DSN    string `toml:"dsn"`
	} `toml:"db"`
	Security struct {
		EncryptionSecret string `toml:"encryption_secret"`
		AdminToken       string `toml:"admin_token"`
	} `toml:"security"`
	Uploads struct {
		SweepInterval string `toml:"sweep_interval"`
		MaxUploadSize int64  `toml:"max_upload_size"`
	} `toml:"uploads"`
	Cache struct {
		Capacity int `toml:"capacity"`
	} `toml:"cache"`
}

func loadConfig(path string) (*config, error) {
	c := &config{}
	c.HTTP.Address = ":9700"
	c.HTTP.BaseURL = "http://localhost:9700"
	c.DB.Driver = "sqlite"
	c.DB.DSN = "unistor.db"
	c.Uploads.SweepInterval = "1h"

	if path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	if v := os.Getenv("ENCRYPTION_SECRET"); v != "" {
		c.Security.EncryptionSecret = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.Security.AdminToken = v
	}
	if v := os.Getenv("MAX_UPLOAD_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed MAX_UPLOAD_SIZE %q", v)
		}
		c.Uploads.MaxUploadSize = n
	}
	if v := os.Getenv("RUNTIME_ENV"); v == "prod" || v == "production" {
		c.Core.LogMode = "prod"
	}

	if c.Security.EncryptionSecret == "" {
		return nil, fmt.Errorf("encryption secret not configured, set security.encryption_secret or ENCRYPTION_SECRET")
	}
	return c, nil
}

func main() {
	confFile := flag.String("c", "", "config file (toml)")
	flag.Parse()

	conf, err := loadConfig(*confFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if conf.Core.LogMode != "" {
		log.Mode = conf.Core.LogMode
	}
	logger := log.New("unistord", conf.Core.LogLevel)

	db, err := store.Open(conf.DB.Driver, conf.DB.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("error opening database")
	}
	if err := store.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("error migrating schema")
	}

	var maxUploadOverride *int64
	if conf.Uploads.MaxUploadSize > 0 {
		maxUploadOverride = &conf.Uploads.MaxUploadSize
	}

	configs := storageconfig.New(db, conf.Security.EncryptionSecret)
	mounts := mount.NewRegistry(db)
	drivers := cache.New(conf.Cache.Capacity)
	settings := store.NewSettings(db, maxUploadOverride)
	ledger := upload.NewLedger(db)
	keys := apikey.NewService(db)
	signer := crypto.NewSigner(conf.Security.EncryptionSecret)
	links := link.NewService(signer, conf.HTTP.BaseURL)
	shares := share.NewService(db, settings)

	fs := vfs.New(mounts, configs, drivers, ledger, settings)
	objects := objectstore.New(configs, drivers, settings, shares, links)

	// admin mutations must not serve through stale driver instances or
	// stale listings
	configs.OnMutate(func(t storage.Type, configID string) {
		drivers.InvalidateConfig(t, configID)
		fs.PurgeListings()
	})
	mounts.OnMutate(func(mountID string) {
		drivers.InvalidateMount(mountID)
		fs.PurgeListings()
	})

	sweepInterval, err := time.ParseDuration(conf.Uploads.SweepInterval)
	if err != nil {
		logger.Fatal().Err(err).Msg("malformed uploads.sweep_interval")
	}
	sweeper := upload.NewSweeper(ledger, db, fs.AbortSessionBackend, sweepInterval)

	fsSvc := fsapi.New(fs, links)
	shareSvc := shareapi.New(objects, shares)
	proxySvc := proxysvc.New(mounts, configs, drivers, links)
	adminSvc := adminapi.New(db, configs, mounts, keys, settings, drivers, ledger, sweeper)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Log(logger))
	r.Use(middleware.Auth(keys, conf.Security.AdminToken))

	r.Route("/api/fs", fsSvc.Routes)
	r.Route("/api/share", shareSvc.Routes)
	r.Route(link.ShareRoute, shareSvc.PublicRoutes)
	r.Route(link.ProxyRoute, proxySvc.Routes)
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(middleware.AdminOnly)
		adminSvc.Routes(r)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:    conf.HTTP.Address,
		Handler: r,
	}
	go func() {
		logger.Info().Str("address", conf.HTTP.Address).Msg("unistord listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}
