/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the referral reward distribution server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and parse command-line flags
  2. Initialize SQLite store
  3. Load the rate table in force (or seed the configured preset)
  4. Wire resolver, policy, distributor, reaper
  5. Start HTTP server with graceful shutdown

COMMAND-LINE FLAGS (env var fallback in parentheses):
  -port           HTTP server port (PORT, default 8080)
  -db             SQLite database path (DATABASE_PATH, default rewards.db)
                  Use ":memory:" for in-memory database
  -rate-preset    Seed preset when no rate table is stored
                  (RATE_PRESET: classic|linear|direct-match|shallow)
  -min-reward     Drop credits below this amount (MIN_REWARD, default 0)
  -reap-cron      Stalled-batch reap schedule (REAP_CRON, default every 5 min)
  -reap-after     Processing age before a batch counts as stalled
  -step-timeout   Per-level chain lookup timeout

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the reaper, close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/rewards.db"

  # Run with in-memory database and the shallow schedule
  ./server -db=":memory:" -rate-preset=shallow

SEE ALSO:
  - api/server.go: Router configuration
  - referral/distributor.go: Distribution pipeline
  - store/sqlite/sqlite.go: Database implementation
*/
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

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/unifarm/reward-engine/api"
	"github.com/unifarm/reward-engine/factory"
	"github.com/unifarm/reward-engine/referral"
	"github.com/unifarm/reward-engine/store/sqlite"
)

func main() {
	// .env is optional; flags win over env vars.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DATABASE_PATH", "rewards.db"), "SQLite database path")
	ratePreset := flag.String("rate-preset", envStr("RATE_PRESET", "classic"), "seed preset: classic|linear|direct-match|shallow")
	minReward := flag.String("min-reward", envStr("MIN_REWARD", "0"), "drop credits below this amount")
	reapCron := flag.String("reap-cron", envStr("REAP_CRON", "*/5 * * * *"), "stalled-batch reap schedule")
	reapAfter := flag.Duration("reap-after", 10*time.Minute, "processing age before a batch counts as stalled")
	stepTimeout := flag.Duration("step-timeout", 2*time.Second, "per-level chain lookup timeout")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if *debug {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	table, err := loadRateTable(context.Background(), store, *ratePreset)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load rate table")
	}
	log.Info().Int("version", table.Version).Str("name", table.Name).Int("depth", table.Depth()).Msg("rate table in force")

	minRewardDec, err := decimal.NewFromString(*minReward)
	if err != nil || minRewardDec.IsNegative() {
		log.Fatal().Str("min_reward", *minReward).Msg("invalid min-reward")
	}

	policy := referral.NewCommissionPolicy(table)
	resolver := referral.NewResolver(store, *stepTimeout, log)
	distributor := referral.NewDistributor(
		resolver, policy, store, store, store, store,
		referral.DistributorConfig{MinReward: minRewardDec},
		log,
	)
	reaper := referral.NewReaper(store, *reapAfter, log)
	if err := reaper.Start(*reapCron); err != nil {
		log.Fatal().Err(err).Str("schedule", *reapCron).Msg("failed to start reaper")
	}
	defer reaper.Stop()

	handler := api.NewHandler(store, store, store, distributor, resolver, policy, reaper, log)
	handler.Tables = store
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", *port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server stopped")
}

// loadRateTable returns the stored schedule, seeding the configured preset
// on first boot.
func loadRateTable(ctx context.Context, store *sqlite.Store, preset string) (referral.RateTable, error) {
	if table, err := store.LatestRateTable(ctx); err == nil {
		return table, nil
	}

	f := factory.NewRateTableFactory()
	var jsonStr string
	switch preset {
	case "classic":
		jsonStr = factory.ClassicJSON(1)
	case "linear":
		jsonStr = factory.LinearJSON(1)
	case "direct-match":
		jsonStr = factory.DirectMatchJSON(1)
	case "shallow":
		jsonStr = factory.ShallowJSON(1)
	default:
		return referral.RateTable{}, fmt.Errorf("unknown rate preset %q", preset)
	}
	table, err := f.Parse(jsonStr)
	if err != nil {
		return referral.RateTable{}, err
	}
	if err := store.SaveRateTable(ctx, table); err != nil {
		return referral.RateTable{}, err
	}
	return table, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
