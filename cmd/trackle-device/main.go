// Command trackle-device is a reference device built on the trackle-go
// protocol core.
//
// It demonstrates a complete device-side client:
//   - CLI argument parsing and YAML configuration file support
//   - Credential loading (device id, private key, pinned server key)
//   - The cooperative event loop driving the connection supervisor
//   - Registered functions and variables callable from the broker
//   - Simulated telemetry publishing
//   - Protocol event logging (CBOR format, readable with trackle-log)
//
// Usage:
//
//	trackle-device [flags]
//
// Flags:
//
//	-config string       Configuration file path (YAML)
//	-device-id string    12-byte device id, hex encoded
//	-key string          Device private key file (DER)
//	-server-key string   Pinned broker public key file (DER)
//	-broker string       Broker address override (host:port)
//	-link string         Link type: wifi, ethernet, lte, nbiot, catm (default "wifi")
//	-state-dir string    Directory for the persisted DTLS session
//	-reset               Clear persisted session state before starting
//	-log-level string    Console log level: debug, info, warn, error (default "info")
//	-protocol-log string File path for protocol event logging (CBOR format)
//	-simulate            Publish synthetic telemetry while connected
//	-interactive         Enable the interactive console
//
// Examples:
//
//	# Connect with explicit credentials
//	trackle-device -device-id 10af264374ed834302aeb984 -key device.der -server-key broker.der
//
//	# Everything from a config file, with protocol capture
//	trackle-device -config device.yaml -protocol-log device.tlog
//
//	# Interactive console against a local broker
//	trackle-device -config device.yaml -broker 127.0.0.1:5684 -interactive
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trackle-iot/trackle-go/pkg/coap"
	"github.com/trackle-iot/trackle-go/pkg/firmware"
	"github.com/trackle-iot/trackle-go/pkg/identity"
	tracklelog "github.com/trackle-iot/trackle-go/pkg/log"
	"github.com/trackle-iot/trackle-go/pkg/persistence"
	"github.com/trackle-iot/trackle-go/pkg/protocol"
	"github.com/trackle-iot/trackle-go/pkg/supervisor"
	"github.com/trackle-iot/trackle-go/pkg/transport"
)

// tickInterval is how often the main loop drives the supervisor; the core
// makes bounded progress on every pass and never blocks.
const tickInterval = 20 * time.Millisecond

// Config holds the device configuration, assembled from the YAML file and
// overridden by flags.
type Config struct {
	DeviceID        string `yaml:"device_id"`
	PrivateKeyFile  string `yaml:"private_key"`
	ServerKeyFile   string `yaml:"server_key"`
	Broker          string `yaml:"broker"`
	Link            string `yaml:"link"`
	ProductID       uint16 `yaml:"product_id"`
	FirmwareVersion uint16 `yaml:"firmware_version"`
	PlatformID      uint16 `yaml:"platform_id"`
	StateDir        string `yaml:"state_dir"`
	LogLevel        string `yaml:"log_level"`
	ProtocolLogFile string `yaml:"protocol_log"`
	ClaimCode       string `yaml:"claim_code"`
	Simulate        bool   `yaml:"simulate"`
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func parseLink(s string) (protocol.ConnectionType, error) {
	switch s {
	case "", "wifi":
		return protocol.ConnectionWiFi, nil
	case "ethernet":
		return protocol.ConnectionEthernet, nil
	case "lte":
		return protocol.ConnectionLTE, nil
	case "nbiot":
		return protocol.ConnectionNBIoT, nil
	case "catm":
		return protocol.ConnectionCatM, nil
	default:
		return 0, fmt.Errorf("unknown link type %q", s)
	}
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadIdentity(cfg Config) (*identity.Identity, error) {
	rawID, err := hex.DecodeString(cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("device id is not valid hex: %w", err)
	}
	keyDER, err := os.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	serverDER, err := os.ReadFile(cfg.ServerKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read server key: %w", err)
	}
	return identity.New(rawID, keyDER, serverDER)
}

// fileFirmwareStore persists firmware chunks under the state directory; a
// real device would hand them to its flash HAL instead.
type fileFirmwareStore struct {
	dir    string
	logger *slog.Logger
}

func (s *fileFirmwareStore) Prepare(desc firmware.Descriptor, flags firmware.BeginFlags) error {
	s.logger.Info("firmware update begin",
		"total", desc.TotalLength, "chunks", desc.ChunkCount, "forced", flags&firmware.BeginFlagForced != 0)
	return os.MkdirAll(s.dir, 0755)
}

func (s *fileFirmwareStore) SaveChunk(index uint16, payload []byte) error {
	return os.WriteFile(filepath.Join(s.dir, fmt.Sprintf("chunk-%05d", index)), payload, 0600)
}

func (s *fileFirmwareStore) Finish(flags firmware.DoneFlags) error {
	s.logger.Info("firmware update done", "dont_reset", flags&firmware.DoneFlagDontReset != 0)
	return nil
}

func main() {
	var (
		cfg        Config
		configFile string
		broker     string
		deviceID   string
		keyFile    string
		serverKey  string
		link       string
		stateDir   string
		logLevel   string
		protoLog   string
		simulate   bool
		interact   bool
		reset      bool
	)

	flag.StringVar(&configFile, "config", "", "configuration file path (YAML)")
	flag.StringVar(&deviceID, "device-id", "", "12-byte device id, hex encoded")
	flag.StringVar(&keyFile, "key", "", "device private key file (DER)")
	flag.StringVar(&serverKey, "server-key", "", "pinned broker public key file (DER)")
	flag.StringVar(&broker, "broker", "", "broker address override (host:port)")
	flag.StringVar(&link, "link", "", "link type: wifi, ethernet, lte, nbiot, catm")
	flag.StringVar(&stateDir, "state-dir", "", "directory for the persisted DTLS session")
	flag.StringVar(&logLevel, "log-level", "", "console log level: debug, info, warn, error")
	flag.StringVar(&protoLog, "protocol-log", "", "file path for protocol event logging")
	flag.BoolVar(&simulate, "simulate", false, "publish synthetic telemetry while connected")
	flag.BoolVar(&interact, "interactive", false, "enable the interactive console")
	flag.BoolVar(&reset, "reset", false, "clear persisted session state before starting")
	flag.Parse()

	if configFile != "" {
		if err := loadConfigFile(configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}
	// Flags override the file.
	if deviceID != "" {
		cfg.DeviceID = deviceID
	}
	if keyFile != "" {
		cfg.PrivateKeyFile = keyFile
	}
	if serverKey != "" {
		cfg.ServerKeyFile = serverKey
	}
	if broker != "" {
		cfg.Broker = broker
	}
	if link != "" {
		cfg.Link = link
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if protoLog != "" {
		cfg.ProtocolLogFile = protoLog
	}
	if simulate {
		cfg.Simulate = true
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "."
	}
	if cfg.ProductID == 0 {
		cfg.ProductID = 1
	}
	if cfg.FirmwareVersion == 0 {
		cfg.FirmwareVersion = 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))

	id, err := loadIdentity(cfg)
	if err != nil {
		logger.Error("credentials", "err", err)
		os.Exit(1)
	}

	connType, err := parseLink(cfg.Link)
	if err != nil {
		logger.Error("link", "err", err)
		os.Exit(1)
	}

	sessionStore := persistence.NewFileSessionStore(filepath.Join(cfg.StateDir, "session.bin"))
	if reset {
		if err := sessionStore.Clear(); err != nil {
			logger.Warn("session reset", "err", err)
		}
	}

	// Protocol event logging: slog always, plus the CBOR capture file when
	// requested.
	protocolLogger := tracklelog.Logger(tracklelog.NewSlogAdapter(logger))
	if cfg.ProtocolLogFile != "" {
		fileLogger, err := tracklelog.NewFileLogger(cfg.ProtocolLogFile)
		if err != nil {
			logger.Error("protocol log", "err", err)
			os.Exit(1)
		}
		defer fileLogger.Close()
		protocolLogger = tracklelog.NewMultiLogger(protocolLogger, fileLogger)
	}

	facade := protocol.NewFacade(
		protocol.Config{
			ConnectionType:  connType,
			ProductID:       cfg.ProductID,
			FirmwareVersion: cfg.FirmwareVersion,
			PlatformID:      cfg.PlatformID,
		},
		id,
		protocol.WithLogger(protocolLogger),
		protocol.WithFirmwareStore(&fileFirmwareStore{dir: filepath.Join(cfg.StateDir, "firmware"), logger: logger}),
		protocol.WithSetTime(func(unix uint32) {
			logger.Info("time sync", "unix", unix, "time", time.Unix(int64(unix), 0).UTC())
		}),
		protocol.WithReboot(func() {
			logger.Info("reboot requested by broker; exiting")
			os.Exit(0)
		}),
		protocol.WithSignal(func(on bool, intensity uint8) {
			logger.Info("signal", "on", on, "intensity", intensity)
		}),
	)
	if cfg.ClaimCode != "" {
		facade.SetClaimCode(cfg.ClaimCode)
	}
	facade.SetUpdatesEnabled(true)

	sim := newSimulation(facade, logger)
	registerEntities(facade, sim)

	supOpts := []supervisor.SupervisorOption{supervisor.WithLogger(protocolLogger)}
	if cfg.Broker != "" {
		addr := cfg.Broker
		supOpts = append(supOpts, supervisor.WithDialer(func() (transport.IO, error) {
			return transport.Dial(addr)
		}))
	}
	sup := supervisor.New(facade, id, sessionStore, supOpts...)

	logger.Info("starting", "device", id.DeviceID.String(), "broker", id.Hostname(), "link", connType.String())
	sup.Connect()

	// The interactive console runs on its own goroutine and funnels
	// commands into the loop through a channel; the protocol core itself
	// is only ever touched from the loop below.
	var console *interactiveConsole
	if interact {
		console, err = newInteractiveConsole()
		if err != nil {
			logger.Error("console", "err", err)
			os.Exit(1)
		}
		defer console.Close()
		go console.readLoop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			logger.Info("shutting down")
			sup.Disconnect(time.Now())
			return

		case cmd := <-consoleCommands(console):
			if quit := cmd(sup, facade, sim, logger); quit {
				sup.Disconnect(time.Now())
				return
			}

		case now := <-ticker.C:
			sup.Tick(now)
			if cfg.Simulate && sup.State() == supervisor.StateReady {
				sim.tick(now)
			}
		}
	}
}

// consoleCommands returns the console's command channel, or nil (blocking
// forever in select) when interactive mode is off.
func consoleCommands(c *interactiveConsole) <-chan consoleCommand {
	if c == nil {
		return nil
	}
	return c.commands
}

// registerEntities exposes the example's functions and variables.
func registerEntities(facade *protocol.Facade, sim *simulation) {
	facade.RegisterFunction("setInterval", func(args []byte, _ any) (int32, error) {
		secs, err := parseSeconds(args)
		if err != nil {
			return -1, err
		}
		sim.setInterval(time.Duration(secs) * time.Second)
		return secs, nil
	}, protocol.PermissionOwnerOnly, nil)

	facade.RegisterVariable("temperature", coap.VariableDouble, func([]byte, any) (any, error) {
		return sim.temperature(), nil
	}, nil)
	facade.RegisterVariable("uptime", coap.VariableInt32, func([]byte, any) (any, error) {
		return sim.uptimeSeconds(), nil
	}, nil)

	facade.OnProperty(func(key string, arg []byte, _ any) error {
		sim.logger.Info("property update", "key", key, "arg", string(arg))
		return nil
	}, nil)
}

func parseSeconds(args []byte) (int32, error) {
	var secs int32
	for _, b := range args {
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("not a number: %q", args)
		}
		secs = secs*10 + int32(b-'0')
	}
	if secs == 0 {
		return 0, fmt.Errorf("interval must be positive")
	}
	return secs, nil
}
