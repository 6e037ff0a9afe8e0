package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/chatrelay/chatrelay/bus"
	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/membership"
	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/types"
	"github.com/chatrelay/chatrelay/ws"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"
	"github.com/spf13/pflag"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert for websocket (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key for websocket (optional)")
)

func main() {
	_ = godotenv.Load()

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if globalConfig.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
	}

	store, err := persistence.NewStore(globalConfig)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	oracle, err := membership.NewOracle(store)
	if err != nil {
		panic(err)
	}

	var groupBus bus.Bus
	switch globalConfig.BusConfig.Type {
	case config.BusTypeRedis:
		groupBus = bus.NewRedisBus(globalConfig.BusConfig.RedisAddr)
	default:
		groupBus = bus.NewMemoryBus()
	}
	defer groupBus.Close()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		globals.AppLogger.Info("interrupted, shutting down")
		_ = groupBus.Close()
		_ = store.Close()
		os.Exit(0)
	}()

	if globalConfig.StatsCron != "" {
		cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
		_, err := cronRunner.AddFunc(globalConfig.StatsCron, func() {
			logStats(store)
		})
		if err != nil {
			panic(err)
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	handlers := ws.NewHandlers(groupBus, oracle, store, globalConfig)
	router := mux.NewRouter()
	router.HandleFunc("/ws/rooms/{room}", handlers.RoomHandler).Methods(http.MethodGet)
	router.HandleFunc("/ws/alerts", handlers.AlertHandler).Methods(http.MethodGet)
	router.HandleFunc("/ws/users/{user}", handlers.AlertHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	handler := cors.Default().Handler(router)

	globals.AppLogger.Info("listening", "addr", globalConfig.Listen)
	if *sslCert != "" && *sslKey != "" {
		err = http.ListenAndServeTLS(globalConfig.Listen, *sslCert, *sslKey, handler)
	} else {
		err = http.ListenAndServe(globalConfig.Listen, handler)
	}
	globals.AppLogger.Error("stopped listening", "error", err)
}

// logStats periodically reports store totals. In multitenant deployments
// this only covers the default scope; per-tenant stats come from /metrics.
func logStats(store persistence.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rooms, err := store.GetRooms(ctx, types.Scope{})
	if err != nil {
		globals.AppLogger.Error("could not count rooms", "error", err)
		return
	}
	users, err := store.GetUsers(ctx, types.Scope{})
	if err != nil {
		globals.AppLogger.Error("could not count users", "error", err)
		return
	}
	globals.AppLogger.Info("stats", "rooms", len(rooms), "users", len(users))
}
