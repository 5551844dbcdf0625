// Package apiserver provides the command-line interface for the changeset
// upload API server: configuration management, service initialization,
// HTTP server setup, and graceful shutdown.
package apiserver

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mapedit.dev/apiserver/internal/apierr"
	"mapedit.dev/apiserver/internal/config"
	"mapedit.dev/apiserver/internal/httpapi"
	"mapedit.dev/apiserver/internal/httpserver"
	"mapedit.dev/apiserver/internal/obslog"
	"mapedit.dev/apiserver/internal/osm"
	"mapedit.dev/apiserver/internal/osmxml"
	"mapedit.dev/apiserver/internal/ratelimit"
	"mapedit.dev/apiserver/internal/store"
	"mapedit.dev/apiserver/internal/upload"
)

// cfgFile holds the path to the configuration file specified via the
// --config flag.
var cfgFile string

// RootCmd is the apiserver's entry point: it starts the HTTP server backing
// the OSM 0.6 changeset upload pipeline.
var RootCmd = &cobra.Command{
	Use:   "apiserver",
	Short: "serves the OSM 0.6 changeset upload pipeline",
	Long: `mapedit apiserver

Accepts OSM 0.6 changeset uploads, runs them through placeholder resolution,
referential-integrity checks, and history preservation, and returns a
diff-result document. Also exposes the minimal changeset lifecycle endpoints
(create, update tags, close) the upload flow depends on.

Configuration can be provided via command-line flags, environment variables
(MAPEDIT_ prefix), or a YAML configuration file.`,
	Run: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mapedit-apiserver.yaml)")
	RootCmd.PersistentFlags().String("port", "", "HTTP server port")
	RootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection string")
	RootCmd.PersistentFlags().String("redis-url", "", "Redis connection string backing the bandwidth limiter")

	viper.BindPFlag("port", RootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("database_url", RootCmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag("redis_url", RootCmd.PersistentFlags().Lookup("redis-url"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".mapedit-apiserver")
	}

	viper.SetEnvPrefix("MAPEDIT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		obslog.Logger.Infof("using config file: %s", viper.ConfigFileUsed())
	}
}

func runServer(cmd *cobra.Command, args []string) {
	cfg := config.Load()
	if v := viper.GetString("port"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := viper.GetString("database_url"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := viper.GetString("redis_url"); v != "" {
		cfg.RedisURL = v
	}

	ctx := context.Background()
	log := obslog.ServiceLogger("apiserver", "0.6")

	pool, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer pool.Close()

	bandwidthLimiter, err := ratelimit.NewLimiter(ctx, ratelimit.Config{RedisURL: cfg.RedisURL})
	if err != nil {
		log.WithError(err).Fatal("failed to connect to redis")
	}
	defer bandwidthLimiter.Close()

	changesets := &store.ChangesetStore{
		OpenMax:     cfg.ChangesetTimeoutOpenMax,
		IdleExtend:  cfg.ChangesetTimeoutIdle,
		MaxElements: cfg.ChangesetMaxElements,
	}
	nodes := &store.NodeStore{Scale: cfg.Scale}
	ways := &store.WayStore{}
	relations := &store.RelationStore{}

	pipeline := upload.New(changesets, nodes, ways, relations)
	if cfg.BboxSizeLimiterUpload {
		pipeline.BboxCheck = bboxCheck(ratelimit.NewBboxLimiter(cfg.BboxMaxAreaDegreesSquared), cfg.Scale)
	}

	handler := &httpapi.Handler{
		Pool:       pool,
		Pipeline:   pipeline,
		Changesets: changesets,
		Limits: osmxml.Limits{
			ElementMaxTags:     cfg.ElementMaxTags,
			WayMaxNodes:        cfg.WayMaxNodes,
			RelationMaxMembers: cfg.RelationMaxMembers,
		},
		PayloadMaxSize:          cfg.PayloadMaxSize,
		BandwidthLimiter:        bandwidthLimiter,
		RatelimiterUpload:       cfg.RatelimiterUpload,
		BytesPerSecond:          cfg.RatelimitBytesPerSecond,
		BytesPerSecondModerator: cfg.RatelimitBytesPerSecondModerator,
		MaxDebt:                 cfg.RatelimitMaxDebt,
		MaxDebtModerator:        cfg.RatelimitMaxDebtModerator,
		Generator:               "mapedit.dev/apiserver",
	}

	serverConfig := httpserver.DefaultConfig()
	serverConfig.Port = cfg.Port
	e := httpserver.New(serverConfig)
	e.GET("/health", httpserver.HealthCheckHandler("apiserver", "0.6"))
	httpapi.RegisterRoutes(e, handler)

	go func() {
		if err := httpserver.Start(e, serverConfig); err != nil {
			log.WithError(err).Info("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	if err := httpserver.Shutdown(e, 10*time.Second); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

// bboxCheck adapts a degree-based BboxLimiter into the scaled-integer
// callback Pipeline.BboxCheck expects.
func bboxCheck(limiter *ratelimit.BboxLimiter, scale int64) func(osm.BBox) error {
	scaleF := float64(scale)
	return func(union osm.BBox) error {
		if !union.Defined {
			return nil
		}
		minLat := float64(union.MinLat) / scaleF
		minLon := float64(union.MinLon) / scaleF
		maxLat := float64(union.MaxLat) / scaleF
		maxLon := float64(union.MaxLon) / scaleF
		if !limiter.Allow(minLat, minLon, maxLat, maxLon) {
			return apierr.PayloadTooLarge("changeset bbox exceeds the maximum allowed area")
		}
		return nil
	}
}
