package config

import (
	"io"
	"log"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// MCPServer describes one MCP server entry forwarded to the agent service.
// The gateway does not speak MCP itself; the catalog is passed through
// verbatim in the upstream request body.
type MCPServer struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

type Config struct {
	Port    string
	GinMode string

	// Database
	DatabaseURL string

	// Upstream agent service
	AgentServiceURL        string
	UpstreamTimeoutMinutes int

	// Stream registry
	SessionTimeoutSeconds  int // retention window for terminal streams
	SessionCleanupInterval int // janitor period, seconds

	// Identity
	AdminUserID   string
	AuthJWTSecret string

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string

	// MCP server catalog, loaded from the config file.
	MCPServers []MCPServer

	// DefaultModel is used when a message frame carries no model.
	DefaultModel string
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Database
		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost/agent_gateway?sslmode=disable"),

		// Upstream agent service
		AgentServiceURL:        getEnvOrDefault("AGENT_SERVICE_URL", "http://localhost:8001"),
		UpstreamTimeoutMinutes: getEnvAsInt("UPSTREAM_TIMEOUT_MINUTES", 120),

		// Stream registry
		SessionTimeoutSeconds:  getEnvAsInt("SESSION_TIMEOUT_SECONDS", 3600),
		SessionCleanupInterval: getEnvAsInt("SESSION_CLEANUP_INTERVAL", 300),

		// Identity
		AdminUserID:   getEnvOrDefault("ADMIN_USER_ID", ""),
		AuthJWTSecret: getEnvOrDefault("AUTH_JWT_SECRET", ""),

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	if AppConfig.AdminUserID == "" {
		log.Println("Warning: ADMIN_USER_ID not set; admin co-subscribe disabled")
	}

	if AppConfig.AuthJWTSecret == "" {
		log.Println("Warning: AUTH_JWT_SECRET not set; tokens accepted unverified (dev mode)")
	}

	// Load the MCP server catalog and model defaults from the config file.
	// Environment variables keep precedence for everything above; the file
	// only carries structured settings that do not map well onto env vars.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")

	configFile, err := os.Open(configFilePath)
	if err != nil {
		log.Printf("No config file at %s, MCP catalog empty", configFilePath)
		return
	}
	defer configFile.Close()

	if err := LoadConfigFile(configFile, AppConfig); err != nil {
		log.Fatalf("Failed to load config file: %v", err)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// LoadConfigFile reads the structured file settings into config. Only the
// fields the file owns are copied; decoding happens on a scratch struct so an
// empty or null document cannot clear the env-derived settings.
func LoadConfigFile(reader io.Reader, config *Config) error {
	var file struct {
		MCPServers   []MCPServer `yaml:"mcp_servers"`
		DefaultModel string      `yaml:"default_model"`
	}

	decoder := yaml.NewDecoder(reader)
	if err := decoder.Decode(&file); err != nil {
		// An empty file decodes to EOF; treat it as no overrides.
		if err == io.EOF {
			return nil
		}
		return err
	}

	if len(file.MCPServers) > 0 {
		config.MCPServers = file.MCPServers
	}
	if file.DefaultModel != "" {
		config.DefaultModel = file.DefaultModel
	}

	return nil
}
