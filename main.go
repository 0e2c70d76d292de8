// Package main provides the Energy Management System (EMS) entry point and CLI interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/devskill-org/s2-ems/bus"
	"github.com/devskill-org/s2-ems/ems"
	"github.com/devskill-org/s2-ems/plant"
	"github.com/devskill-org/s2-ems/reservation"
	"github.com/devskill-org/s2-ems/session"
	"github.com/devskill-org/s2-ems/store"
	"github.com/devskill-org/s2-ems/telemetry"
	"github.com/devskill-org/s2-ems/topology"
)

func main() {
	var (
		configFile = flag.String("config", "config.json", "Configuration file path")
		info       = flag.Bool("info", false, "Show Plant Information")
		help       = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	config, err := ems.LoadConfig(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		return
	}

	if *info {
		if err := showPlantInfo(config.PlantModbusAddress); err != nil {
			fmt.Println("Error:", err)
		}
		return
	}

	logger := log.New(os.Stdout, "[EMS] ", log.LstdFlags)
	logger.Printf("Starting Energy Management System with the following configuration:\n%s", config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busConn, err := bus.DialTCP(ctx, config.BusListenAddress, log.New(os.Stdout, "[BUS] ", log.LstdFlags))
	if err != nil {
		logger.Fatalf("connect to S2 protocol runtime: %v", err)
	}
	defer busConn.Close()

	var plantR ems.PlantReader
	if config.PlantModbusAddress != "" {
		reader, dialErr := plant.DialTCP(config.PlantModbusAddress)
		if dialErr != nil {
			logger.Printf("plant telemetry disabled: %v", dialErr)
		} else {
			defer reader.Close()
			plantR = reader
		}
	}

	var settingsStore ems.SettingsStore
	if config.PostgresConnString != "" {
		st, openErr := store.Open(ctx, config.PostgresConnString)
		if openErr != nil {
			logger.Printf("settings persistence disabled: %v", openErr)
		} else {
			defer st.Close()
			settingsStore = st
		}
	}

	peers := ems.StaticPeerReader{
		Metrics: topology.Metrics{NumberOfPhases: 1, GridParallel: true, Hub4Mode: 1},
		Inputs:  reservation.Inputs{},
	}

	controller, err := ems.New(config, logger, busConn, plantR, settingsStore, peers)
	if err != nil {
		logger.Fatalf("construct controller: %v", err)
	}

	if err := controller.LoadSettingsFromStore(ctx); err != nil {
		logger.Printf("load settings from store: %v", err)
	}

	for _, d := range config.Devices {
		class := session.Secondary
		if d.Class == "primary" {
			class = session.Primary
		}
		s := session.New(busConn, log.New(os.Stdout, "["+d.ServiceID+"] ", log.LstdFlags), d.ServiceID, d.RMIndex, d.Priority, class)
		controller.AddSession(s)
		if err := s.BeginConnection(ctx); err != nil {
			logger.Printf("connect %s: %v", d.ServiceID, err)
		}
	}

	if err := controller.RestoreEnergyCounters(ctx); err != nil {
		logger.Printf("restore energy counters: %v", err)
	}

	dashboard := telemetry.NewServer(controller, log.New(os.Stdout, "[DASHBOARD] ", log.LstdFlags), config.DashboardPort, config.Latitude, config.Longitude)
	if err := dashboard.Start(); err != nil {
		logger.Printf("dashboard server error: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := controller.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("control loop error: %v", err)
		}
	}()

	logger.Printf("EMS started. Press Ctrl+C to stop...")

	<-sigChan
	logger.Printf("Shutdown signal received, stopping...")
	cancel()
	_ = dashboard.Stop(context.Background())

	logger.Printf("EMS stopped successfully")
}

// showPlantInfo prints a snapshot of the plant's current telemetry,
// adapted from sigenergy/info.go's ShowPlantInfo to read through
// plant.Reader instead of a raw Modbus client.
func showPlantInfo(address string) error {
	if address == "" {
		return fmt.Errorf("plant_modbus_address is not configured")
	}
	reader, err := plant.DialTCP(address)
	if err != nil {
		return fmt.Errorf("connect to plant at %s: %w", address, err)
	}
	defer reader.Close()

	reading, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read plant telemetry: %w", err)
	}

	fmt.Println("Plant Information")
	fmt.Println("=================")
	fmt.Printf("Photovoltaic Power:      %.1f W\n", reading.PhotovoltaicPower)
	fmt.Printf("Grid Sensor Active Power: %.1f W\n", reading.GridSensorActivePower)
	fmt.Printf("Plant Phase L1:          %.1f W\n", reading.PlantPhase.L1)
	fmt.Printf("Plant Phase L2:          %.1f W\n", reading.PlantPhase.L2)
	fmt.Printf("Plant Phase L3:          %.1f W\n", reading.PlantPhase.L3)
	fmt.Printf("ESS Power:               %.1f W\n", reading.ESSPower)
	fmt.Printf("ESS State of Charge:     %.1f%%\n", reading.ESSSOC*100)
	return nil
}

func showHelp() {
	fmt.Println("Energy Management System (EMS) - S2 resource-manager control loop")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Allocates transient solar and battery surplus to a fleet of controllable")
	fmt.Println("  energy consumers connected over the S2 resource-management protocol,")
	fmt.Println("  driving each through its Operation-Mode-Based Control (OMBC) state machine")
	fmt.Println("  on a fixed control interval.")
	fmt.Println()
	fmt.Println("  Key Features:")
	fmt.Println("  - Per-consumer S2 session handshake, keep-alive, and OMBC allocation")
	fmt.Println("  - Priority-ordered transactional multi-phase surplus allocation")
	fmt.Println("  - Plant telemetry via Modbus, settings/counters via Postgres")
	fmt.Println("  - Real-time web dashboard")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  ems [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Basic usage with default settings")
	fmt.Println("  ems")
	fmt.Println()
	fmt.Println("  # Custom configuration")
	fmt.Println("  ems --config=config.json")
	fmt.Println()
	fmt.Println("  # Show plant/system information")
	fmt.Println("  ems -info")
	fmt.Println()
	fmt.Println("  # Show this help")
	fmt.Println("  ems -help")
}
