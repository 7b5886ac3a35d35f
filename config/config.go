package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	StorageFirestore = "firestore"
	StorageMemory    = "memory"
)

type Config struct {
	ServerURL   string
	DatabaseURL string
	Storage     string
	LogLevel    string
	LogPretty   bool
	SendRate    float64
	SendBurst   int
	CORSOrigins []string

	// DevTokens maps bearer tokens to uids when Firebase is not used.
	DevTokens map[string]string
	// DevOrders seeds orders into memory storage.
	DevOrders []DevOrder
}

type DevOrder struct {
	Id           string
	ClientId     string
	FreelancerId string
}

// LoadEnv reads a .env file into the environment. A missing file is not an error.
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func Load() (Config, error) {
	c := Config{
		ServerURL:   getenv("SERVER_URL", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Storage:     strings.ToLower(getenv("STORAGE", StorageFirestore)),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		CORSOrigins: splitList(getenv("CORS_ORIGINS", "*")),
		DevTokens:   map[string]string{},
	}

	var err error
	if c.LogPretty, err = strconv.ParseBool(getenv("LOG_PRETTY", "false")); err != nil {
		return c, fmt.Errorf("LOG_PRETTY: %w", err)
	}
	if c.SendRate, err = strconv.ParseFloat(getenv("SEND_RATE", "5"), 64); err != nil {
		return c, fmt.Errorf("SEND_RATE: %w", err)
	}
	if c.SendBurst, err = strconv.Atoi(getenv("SEND_BURST", "10")); err != nil {
		return c, fmt.Errorf("SEND_BURST: %w", err)
	}

	switch c.Storage {
	case StorageFirestore:
		if c.DatabaseURL == "" {
			return c, errors.New("DATABASE_URL is required for firestore storage")
		}
	case StorageMemory:
	default:
		return c, fmt.Errorf("STORAGE: unknown storage %q", c.Storage)
	}

	for _, pair := range splitList(os.Getenv("DEV_TOKENS")) {
		token, uid, ok := strings.Cut(pair, ":")
		if !ok || token == "" || uid == "" {
			return c, fmt.Errorf("DEV_TOKENS: malformed entry %q", pair)
		}
		c.DevTokens[token] = uid
	}

	// Entries look like orderId:clientUid:freelancerUid.
	for _, entry := range splitList(os.Getenv("DEV_ORDERS")) {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return c, fmt.Errorf("DEV_ORDERS: malformed entry %q", entry)
		}
		c.DevOrders = append(c.DevOrders, DevOrder{Id: parts[0], ClientId: parts[1], FreelancerId: parts[2]})
	}

	return c, nil
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
