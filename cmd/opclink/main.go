// Opclink - OPC UA Gateway
//
// Connects to OPC UA servers, discovers and monitors tags, and republishes
// value changes via REST API, WebSocket, MQTT, Valkey and Kafka.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"opclink/api"
	"opclink/config"
	"opclink/kafka"
	"opclink/logging"
	"opclink/mqtt"
	"opclink/store"
	"opclink/tagman"
	"opclink/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all".
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 11 && (arg[:11] == "-log-debug=" || (len(arg) > 12 && arg[:12] == "--log-debug=")) {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	adminUser   = flag.String("admin-user", "", "Create/update admin user (saves to config)")
	adminPass   = flag.String("admin-pass", "", "Password for admin user (saves to config)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log (optional protocol filter)")
)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("opclink %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Override web config from flags (in memory only)
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}

	if *adminUser != "" && *adminPass != "" {
		if err := setAdminUser(cfg, *adminUser, *adminPass); err != nil {
			fmt.Fprintf(os.Stderr, "Error hashing password: %v\n", err)
			os.Exit(1)
		}
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Admin user '%s' configured for the API\n", *adminUser)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	run(cfg)
}

// setAdminUser creates or updates an admin API user.
func setAdminUser(cfg *config.Config, username, password string) error {
	hash, err := api.HashPassword(password)
	if err != nil {
		return err
	}
	if existing := cfg.FindWebUser(username); existing != nil {
		existing.PasswordHash = hash
		existing.Role = config.RoleAdmin
	} else {
		cfg.AddWebUser(config.WebUser{
			Username:     username,
			PasswordHash: hash,
			Role:         config.RoleAdmin,
		})
	}
	if cfg.Web.SessionSecret == "" {
		cfg.Web.SessionSecret = config.NewSessionSecret()
	}
	return nil
}

func run(cfg *config.Config) {
	logf := func(format string, args ...interface{}) {
		fmt.Printf("%s "+format+"\n", append([]interface{}{time.Now().Format("15:04:05")}, args...)...)
	}

	if *logFile != "" {
		fileLogger, err := logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		} else {
			defer fileLogger.Close()
			logf = fileLogger.Log
			fmt.Printf("Logging to %s\n", *logFile)
		}
	}

	if *logDebug != "" {
		debugLogger, err := logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to create debug log: %v\n", err)
		} else {
			filter := *logDebug
			if filter == "all" {
				filter = ""
			}
			debugLogger.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLogger)
			defer func() {
				logging.SetGlobalDebugLogger(nil)
				debugLogger.Close()
			}()
			if filter == "" {
				logf("Debug logging enabled (all protocols) - writing to debug.log")
			} else {
				logf("Debug logging enabled (filter: %s) - writing to debug.log", filter)
			}
		}
	}

	var opts []tagman.Option
	if cfg.Store.Path != "" {
		catalog, err := store.Open(cfg.Store.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open tag catalog: %v\n", err)
		} else {
			defer catalog.Close()
			opts = append(opts, tagman.WithCatalog(catalog))
		}
	}

	manager := tagman.NewManager(cfg.ReconnectInterval, opts...)
	manager.LoadFromConfig(cfg)
	manager.SetOnLog(logf)

	mqttMgr := mqtt.NewManager()
	mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)

	valkeyMgr := valkey.NewManager()
	valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace)

	kafkaMgr := kafka.NewManager()
	kafkaMgr.LoadFromConfig(cfg.Kafka, cfg.Namespace)

	gw := &gateway{
		manager: manager,
		mqtt:    mqttMgr,
		valkey:  valkeyMgr,
		kafka:   kafkaMgr,
		logf:    logf,
	}

	// Keep gw.api a true nil interface when the API is disabled.
	var apiServer *api.Server
	if cfg.Web.Enabled {
		apiServer = api.NewServer(manager, &cfg.Web)
		gw.api = apiServer
	}
	gw.wire()

	manager.Start()

	if apiServer != nil {
		if err := apiServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start API server on port %d: %v\n", cfg.Web.Port, err)
			fmt.Fprintf(os.Stderr, "Continuing without HTTP server.\n")
			apiServer = nil
		} else {
			fmt.Printf("REST API at %s\n", apiServer.Address())
			fmt.Printf("  Live stream: %s/stream\n", apiServer.Address())
		}
	}

	go func() {
		if started := mqttMgr.StartAll(); started > 0 {
			gw.republishMQTT()
		}
	}()
	go func() {
		// The Valkey on-connect callback republishes current values.
		valkeyMgr.StartAll()
	}()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if n := kafkaMgr.ConnectEnabled(ctx); n > 0 {
			gw.republishKafka()
		}
	}()

	fmt.Println("Running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)

	shutdownDone := make(chan struct{})
	go func() {
		if apiServer != nil {
			apiServer.Stop()
		}
		mqttMgr.StopAll()
		valkeyMgr.StopAll()
		kafkaMgr.StopAll()
		manager.Stop()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(10 * time.Second):
		fmt.Fprintln(os.Stderr, "Shutdown timed out, forcing exit")
	}
}
