package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bms-simulator/bms"
	"bms-simulator/can"
	"bms-simulator/httpapi"
	"bms-simulator/uds"
)

func main() {
	config := &bms.ServiceConfig{}

	// Redis telemetry configuration
	flag.StringVar(&config.RedisServerAddress, "redis-server", "", "Redis server address (empty disables telemetry)")
	var redisPort uint
	flag.UintVar(&redisPort, "redis-port", 6379, "Redis server port")
	var publishInterval uint
	flag.UintVar(&publishInterval, "publish-interval", 1000, "Telemetry publish interval in milliseconds")

	// Simulator configuration
	flag.StringVar(&config.ConfigPath, "config", "", "Threshold config YAML (watched for changes)")
	flag.Int64Var(&config.Seed, "seed", time.Now().UnixNano(), "RNG seed for reproducible cell imbalance")
	var logLevel int
	flag.IntVar(&logLevel, "log", 3, "Log level (0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG)")

	// Transport configuration
	httpAddr := flag.String("http-addr", ":8080", "HTTP listen address (empty disables)")
	udsAddr := flag.String("uds-addr", ":13400", "UDS diagnostic listen address (empty disables)")
	canStatusPeriod := flag.Uint("can-status-period", 100, "CAN status broadcast period in milliseconds")
	canCellPeriod := flag.Uint("can-cell-period", 500, "CAN cell data broadcast period in milliseconds")

	flag.Parse()

	config.RedisServerPort = uint16(redisPort)
	config.PublishInterval = time.Duration(publishInterval) * time.Millisecond

	stdLogger := log.New(os.Stdout, "", log.LstdFlags)
	logger := bms.NewLogger(stdLogger, bms.LogLevel(logLevel))
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	service, err := bms.NewService(config, logger, slogger)
	if err != nil {
		logger.Fatalf("Failed to create BMS simulator service: %v", err)
	}

	if err := service.Start(); err != nil {
		logger.Fatalf("Failed to start BMS simulator service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := can.NewBus()
	transmitter := can.NewTransmitter(service.Sim(), bus, logger,
		time.Duration(*canStatusPeriod)*time.Millisecond,
		time.Duration(*canCellPeriod)*time.Millisecond)
	transmitter.Start(ctx)

	var udsServer *uds.Server
	if *udsAddr != "" {
		dispatcher := uds.NewDispatcher(service.Sim(), logger, config.Seed)
		udsServer = uds.NewServer(dispatcher, logger)
		if err := udsServer.Start(ctx, *udsAddr); err != nil {
			logger.Fatalf("Failed to start UDS server: %v", err)
		}
	}

	var httpServer *httpapi.Server
	if *httpAddr != "" {
		httpServer = httpapi.NewServer(*httpAddr, service.Sim(), logger)
		httpServer.Start()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	if httpServer != nil {
		httpServer.Stop()
	}
	if udsServer != nil {
		udsServer.Stop()
	}
	transmitter.Stop()
	service.Stop()
}
