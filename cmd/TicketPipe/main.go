package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/BTreeMap/TicketPipe/internal/api"
	"github.com/BTreeMap/TicketPipe/internal/lockfile"
	"github.com/BTreeMap/TicketPipe/internal/store"
	"github.com/BTreeMap/TicketPipe/internal/ticket"
	"github.com/BTreeMap/TicketPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/TicketPipe/internal/util"
	"github.com/BTreeMap/TicketPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TicketPipe state data
	DefaultStateDir = "/var/lib/ticketpipe"
	// DefaultAppDBFileName is the default SQLite database filename for dialogue state
	DefaultAppDBFileName = "ticketpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAPIAddr is the default HTTP listen address
	DefaultAPIAddr = ":8080"

	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"

	// avatarDisabled as AVATAR_URL turns ticket avatars off.
	avatarDisabled = "off"
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Initialize structured logger
	initializeLogger(config.LogLevel)

	// Parse command line flags
	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir, lockfile.WithTransport(*flags.transport))
	if err != nil {
		slog.Error("TicketPipe cannot start", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping TicketPipe with configured modules", "transport", *flags.transport)
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "app_dsn_set", *flags.appDBDSN != "",
		"redis_set", *flags.redisAddr != "", "api_addr", *flags.apiAddr, "config", *flags.configPath)
	if err := run(ctx, flags); err != nil {
		slog.Error("TicketPipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("TicketPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir           string
	WhatsAppDBDSN      string
	ApplicationDBDSN   string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	ConfigPath         string
	Transport          string
	APIAddr            string
	PublicBaseURL      string
	ValidateSignatures bool
	TicketTemplate     string
	TicketFont         string
	AvatarURL          string
	LogLevel           string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput       *string
	numeric        *bool
	stateDir       *string
	whatsappDBDSN  *string
	appDBDSN       *string
	redisAddr      *string
	redisPassword  *string
	redisDB        *int
	configPath     *string
	transport      *string
	apiAddr        *string
	publicBaseURL  *string
	validateSig    *bool
	ticketTemplate *string
	ticketFont     *string
	avatarURL      *string
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: util.ParseLogLevel(level)}))
	slog.SetDefault(logger)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:           os.Getenv("TICKETPIPE_STATE_DIR"),
		WhatsAppDBDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN:   os.Getenv("DATABASE_URL"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		ConfigPath:         os.Getenv("TICKETPIPE_CONFIG"),
		Transport:          strings.ToLower(strings.TrimSpace(os.Getenv("TICKETPIPE_TRANSPORT"))),
		APIAddr:            os.Getenv("API_ADDR"),
		PublicBaseURL:      os.Getenv("PUBLIC_BASE_URL"),
		ValidateSignatures: util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURE", true),
		TicketTemplate:     os.Getenv("TICKET_TEMPLATE"),
		TicketFont:         os.Getenv("TICKET_FONT"),
		AvatarURL:          os.Getenv("AVATAR_URL"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			config.RedisDB = db
		} else {
			slog.Warn("Invalid REDIS_DB, using 0", "value", v)
		}
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No TICKETPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.Transport == "" {
		config.Transport = TransportWhatsApp
	}
	if config.APIAddr == "" {
		config.APIAddr = DefaultAPIAddr
	}

	// The whatsmeow device store follows a Postgres application database, but never
	// shares a SQLite file with it.
	if config.WhatsAppDBDSN == "" {
		if config.ApplicationDBDSN != "" && store.DetectDSNType(config.ApplicationDBDSN) == "postgres" {
			config.WhatsAppDBDSN = config.ApplicationDBDSN
		} else {
			config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
		}
	}
	// Redis replaces the SQL store entirely.
	if config.ApplicationDBDSN == "" && config.RedisAddr == "" {
		config.ApplicationDBDSN = defaultAppDSN(config.StateDir)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}

	slog.Debug("environment variables loaded",
		"TICKETPIPE_STATE_DIR", config.StateDir,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"DATABASE_URL_SET", config.ApplicationDBDSN != "",
		"REDIS_ADDR", config.RedisAddr,
		"TICKETPIPE_CONFIG", config.ConfigPath,
		"TICKETPIPE_TRANSPORT", config.Transport,
		"API_ADDR", config.APIAddr,
		"PUBLIC_BASE_URL", config.PublicBaseURL)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		qrOutput:       fs.String("qr-output", "", "path to write login QR code"),
		numeric:        fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:       fs.String("state-dir", config.StateDir, "state directory for TicketPipe data (overrides $TICKETPIPE_STATE_DIR)"),
		whatsappDBDSN:  fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "database DSN for the WhatsApp device store (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:       fs.String("app-db-dsn", config.ApplicationDBDSN, "database DSN for dialogue state and bookings (overrides $DATABASE_URL)"),
		redisAddr:      fs.String("redis-addr", config.RedisAddr, "Redis address; selects the Redis store (overrides $REDIS_ADDR)"),
		redisPassword:  fs.String("redis-password", config.RedisPassword, "Redis password (overrides $REDIS_PASSWORD)"),
		redisDB:        fs.Int("redis-db", config.RedisDB, "Redis logical database (overrides $REDIS_DB)"),
		configPath:     fs.String("config", config.ConfigPath, "scenario registry YAML; built-in default when empty (overrides $TICKETPIPE_CONFIG)"),
		transport:      fs.String("transport", config.Transport, "messaging transport: whatsapp or twilio (overrides $TICKETPIPE_TRANSPORT)"),
		apiAddr:        fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		publicBaseURL:  fs.String("public-base-url", config.PublicBaseURL, "externally visible URL of the API server (overrides $PUBLIC_BASE_URL)"),
		validateSig:    fs.Bool("validate-signature", config.ValidateSignatures, "reject Twilio webhooks without a valid signature (overrides $TWILIO_VALIDATE_SIGNATURE)"),
		ticketTemplate: fs.String("ticket-template", config.TicketTemplate, "ticket template PNG (overrides $TICKET_TEMPLATE)"),
		ticketFont:     fs.String("ticket-font", config.TicketFont, "ticket font TTF/OTF (overrides $TICKET_FONT)"),
		avatarURL:      fs.String("avatar-url", config.AvatarURL, "avatar URL template with {size} and {user}, or \"off\" (overrides $AVATAR_URL)"),
	}

	if err := fs.Parse(args); err != nil {
		slog.Error("failed to parse flags", "error", err)
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"transport", *flags.transport,
		"apiAddr", *flags.apiAddr,
		"config", *flags.configPath)

	applyStateDir(flags, config)
	return flags
}

// applyStateDir moves default database files into a state directory given on the command line.
func applyStateDir(flags Flags, config Config) {
	if *flags.stateDir == config.StateDir {
		return
	}
	if *flags.whatsappDBDSN == defaultWhatsAppDSN(config.StateDir) {
		*flags.whatsappDBDSN = defaultWhatsAppDSN(*flags.stateDir)
		slog.Debug("Updated WhatsApp DSN based on state directory", "state_dir", *flags.stateDir)
	}
	if *flags.appDBDSN == defaultAppDSN(config.StateDir) {
		*flags.appDBDSN = defaultAppDSN(*flags.stateDir)
		slog.Debug("Updated application DSN based on state directory", "state_dir", *flags.stateDir)
	}
}

// ensureDirectoriesExist creates the directories of file-based databases
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if *flags.appDBDSN != "" && store.DetectDSNType(*flags.appDBDSN) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(*flags.appDBDSN))
	}
	if *flags.transport == TransportWhatsApp && store.DetectDSNType(*flags.whatsappDBDSN) == "sqlite3" {
		path := strings.TrimPrefix(*flags.whatsappDBDSN, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		dirs = append(dirs, filepath.Dir(path))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio options. Credentials come from the environment.
func buildTwilioOptions() []twiliowhatsapp.Option {
	return []twiliowhatsapp.Option{
		twiliowhatsapp.WithAccountSID(os.Getenv("TWILIO_ACCOUNT_SID")),
		twiliowhatsapp.WithAuthToken(os.Getenv("TWILIO_AUTH_TOKEN")),
		twiliowhatsapp.WithFromWhats(os.Getenv("TWILIO_FROM_NUMBER")),
	}
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.redisAddr != "" {
		slog.Debug("Redis address provided, configuring Redis store", "addr", *flags.redisAddr)
		storeOpts = append(storeOpts, store.WithRedisAddr(*flags.redisAddr), store.WithRedisDB(*flags.redisDB))
		if *flags.redisPassword != "" {
			storeOpts = append(storeOpts, store.WithRedisPassword(*flags.redisPassword))
		}
		return storeOpts
	}
	if *flags.appDBDSN != "" {
		if store.DetectDSNType(*flags.appDBDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.appDBDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.appDBDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.appDBDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildTicketOptions constructs ticket renderer options
func buildTicketOptions(flags Flags) []ticket.Option {
	var ticketOpts []ticket.Option
	if *flags.ticketTemplate != "" {
		ticketOpts = append(ticketOpts, ticket.WithTemplatePath(*flags.ticketTemplate))
	}
	if *flags.ticketFont != "" {
		ticketOpts = append(ticketOpts, ticket.WithFontPath(*flags.ticketFont))
	}
	switch strings.TrimSpace(*flags.avatarURL) {
	case "":
	case avatarDisabled:
		ticketOpts = append(ticketOpts, ticket.WithAvatarURL(""))
	default:
		ticketOpts = append(ticketOpts, ticket.WithAvatarURL(*flags.avatarURL))
	}
	return ticketOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
