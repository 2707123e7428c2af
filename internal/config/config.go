package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/rubble-game/rubble-backend/internal/room"
)

// Config is the process configuration, read once at startup.
type Config struct {
	Addr string
	Dev  bool
	Room room.Config
}

// Load reads .env when present, then applies environment overrides on top of
// the defaults. Unset and malformed values keep the default.
func Load() Config {
	_ = godotenv.Load() // a missing .env is fine

	cfg := Config{
		Addr: "0.0.0.0:8080",
		Room: room.DefaultConfig(),
	}
	if v := os.Getenv("RUBBLE_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v, err := strconv.ParseBool(os.Getenv("RUBBLE_DEV")); err == nil {
		cfg.Dev = v
	}
	cfg.Room.TickHz = intEnv("RUBBLE_TICK_HZ", cfg.Room.TickHz)
	cfg.Room.BroadcastEvery = intEnv("RUBBLE_BROADCAST_EVERY", cfg.Room.BroadcastEvery)
	cfg.Room.KeyframeEvery = intEnv("RUBBLE_KEYFRAME_EVERY", cfg.Room.KeyframeEvery)
	cfg.Room.MaxPlayers = intEnv("RUBBLE_MAX_PLAYERS", cfg.Room.MaxPlayers)
	cfg.Room.Grace = durEnv("RUBBLE_GRACE", cfg.Room.Grace)
	cfg.Room.EmptyTTL = durEnv("RUBBLE_EMPTY_TTL", cfg.Room.EmptyTTL)
	return cfg
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func durEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
