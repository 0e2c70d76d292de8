package ems

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Config is the EMSController's settings, mapping directly onto §6's
// settings-store paths, following the DefaultConfig/LoadConfig/SaveConfig/
// Validate/MarshalJSON-alias pattern of scheduler/config.go.
type Config struct {
	// Core settings (§6: /Settings/Ems/Mode, /ControlLoopInterval,
	// /BalancingThreshold, /BatteryReservationEquation, /ContinuousInverterPower)
	Mode                       int           `json:"mode"` // 0 = disabled, 1 = enabled
	ControlLoopInterval        time.Duration `json:"control_loop_interval"`
	BalancingThreshold         float64       `json:"balancing_threshold"` // %SoC, 2..98
	BatteryReservationEquation string        `json:"battery_reservation_equation"`
	ContinuousInverterPowerL1  float64       `json:"continuous_inverter_power_l1"` // W
	ContinuousInverterPowerL2  float64       `json:"continuous_inverter_power_l2"` // W
	ContinuousInverterPowerL3  float64       `json:"continuous_inverter_power_l3"` // W
	WriteDebugLogs             bool          `json:"write_debug_logs"`

	// Connection settings
	PostgresConnString string `json:"postgres_conn_string"` // settings-store DSN
	BusListenAddress   string `json:"bus_listen_address"`   // S2 RPC bus TCP address
	PlantModbusAddress string `json:"plant_modbus_address"`
	DashboardPort      int    `json:"dashboard_port"` // 0 = disabled

	// Dashboard sun-elevation geometry (informational only, §D)
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	// Devices lists the known "/Devices/{n}/S2" consumers this EMS drives.
	// §4.2 has sessions created from device-added/device-removed events on a
	// peer bus this repo does not model (§1); a static list is the seam a
	// deployment without that peer bus wires consumers through instead.
	Devices []DeviceConfig `json:"devices"`
}

// DeviceConfig is one statically-configured consumer: the S2 client id to
// Connect() with, its device index (for the "/Devices/{n}/S2" path), its
// priority (lower = earlier), and its consumer class.
type DeviceConfig struct {
	ServiceID string `json:"service_id"`
	RMIndex   int    `json:"rm_index"`
	Priority  int    `json:"priority"`
	Class     string `json:"class"` // "primary" or "secondary"
}

// DefaultConfig returns a configuration with default values, matching the
// default-value texture of scheduler/config.go's DefaultConfig.
func DefaultConfig() *Config {
	return &Config{
		Mode:                        1,
		ControlLoopInterval:         5 * time.Second,
		BalancingThreshold:          98,
		BatteryReservationEquation:  "0",
		ContinuousInverterPowerL1:   3000,
		ContinuousInverterPowerL2:   3000,
		ContinuousInverterPowerL3:   3000,
		WriteDebugLogs:              false,
		PostgresConnString:          "",
		BusListenAddress:            ":9222",
		PlantModbusAddress:          "",
		DashboardPort:               0,
		Latitude:                    56.9496, // Riga, Latvia
		Longitude:                   24.1052,
	}
}

// LoadConfig loads configuration from a JSON file.
func LoadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader loads configuration from an io.Reader.
func LoadConfigFromReader(reader io.Reader) (*Config, error) {
	config := DefaultConfig()
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config JSON: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// SaveConfig saves the configuration to a JSON file.
func (c *Config) SaveConfig(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()
	return c.SaveConfigToWriter(file)
}

// SaveConfigToWriter saves the configuration to an io.Writer.
func (c *Config) SaveConfigToWriter(writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config JSON: %w", err)
	}
	return nil
}

// Validate checks the configuration values against §6/C.2's bounds.
func (c *Config) Validate() error {
	if c.ControlLoopInterval < time.Second || c.ControlLoopInterval > 60*time.Second {
		return fmt.Errorf("control_loop_interval must be between 1s and 60s, got: %s", c.ControlLoopInterval)
	}
	if c.BalancingThreshold < 2 || c.BalancingThreshold > 98 {
		return fmt.Errorf("balancing_threshold must be between 2 and 98, got: %f", c.BalancingThreshold)
	}
	if c.BatteryReservationEquation == "" {
		return fmt.Errorf("battery_reservation_equation cannot be empty")
	}
	if c.DashboardPort < 0 || c.DashboardPort > 65535 {
		return fmt.Errorf("dashboard_port must be between 0 and 65535, got: %d", c.DashboardPort)
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("latitude must be between -90 and 90, got: %f", c.Latitude)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("longitude must be between -180 and 180, got: %f", c.Longitude)
	}
	return nil
}

// MarshalJSON implements custom JSON marshaling to render durations as
// human strings, same alias trick as scheduler/config.go.
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal(&struct {
		*Alias
		ControlLoopInterval string `json:"control_loop_interval"`
	}{
		Alias:               (*Alias)(c),
		ControlLoopInterval: c.ControlLoopInterval.String(),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling to parse duration
// strings back into time.Duration.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		*Alias
		ControlLoopInterval string `json:"control_loop_interval"`
	}{
		Alias: (*Alias)(c),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.ControlLoopInterval != "" {
		d, err := time.ParseDuration(aux.ControlLoopInterval)
		if err != nil {
			return fmt.Errorf("invalid control_loop_interval: %w", err)
		}
		c.ControlLoopInterval = d
	}
	return nil
}

// String returns a string representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
