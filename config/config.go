package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr         string
	AdminAddr    string
	DBPath       string
	Transport    string // "direct" or "queue"
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	QueueDepth   int
}

// Load reads an optional .env file, then environment variables on top of
// the defaults.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Addr:         getenv("CHATSERV_ADDR", ":3270"),
		AdminAddr:    getenv("CHATSERV_ADMIN_ADDR", ":9270"),
		DBPath:       getenv("CHATSERV_DB_PATH", "chatserv.db"),
		Transport:    getenv("CHATSERV_TRANSPORT", "queue"),
		ReadTimeout:  getdur("CHATSERV_READ_TIMEOUT", 5*time.Minute),
		WriteTimeout: getdur("CHATSERV_WRITE_TIMEOUT", 30*time.Second),
		QueueDepth:   getint("CHATSERV_QUEUE_DEPTH", 64),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("Invalid value for %s: %q, using default %d", key, v, def)
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("Invalid duration for %s: %q, using default %v", key, v, def)
	}
	return def
}
