package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatserv/config"
	"chatserv/db"
	"chatserv/dispatch"
	"chatserv/metrics"
	"chatserv/registry"
	"chatserv/server"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	metrics.MustRegister()

	reg := registry.New()
	dispatcher := dispatch.New(database, reg)

	srv := server.New(dispatcher, reg, &server.Config{
		Addr:         cfg.Addr,
		Transport:    cfg.Transport,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		QueueDepth:   cfg.QueueDepth,
	})

	go startAdmin(cfg.AdminAddr, srv)

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		srv.Shutdown()
		database.Close()
		os.Exit(0)
	}()

	if err := srv.Start(); err != nil {
		log.Fatal(err)
	}
}

// startAdmin serves the management surface: liveness, live stats,
// Prometheus metrics, and remote shutdown.
func startAdmin(addr string, srv *server.Server) {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(srv.Stats() + "\n"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Post("/shutdown", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("shutting down\n"))
		go func() {
			// Give the response time to flush.
			time.Sleep(100 * time.Millisecond)
			log.Printf("Shutdown requested via admin endpoint")
			srv.Shutdown()
			os.Exit(0)
		}()
	})

	log.Printf("Admin endpoint listening on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Printf("Admin endpoint error: %v", err)
	}
}
