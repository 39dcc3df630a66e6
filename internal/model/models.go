// Package model defines domain structs shared across the persistence layer.
package model

import "strings"

// Status is the canonical derived UPS status.
type Status string

const (
	StatusOnline    Status = "online"
	StatusOnBattery Status = "on_battery"
	StatusOffline   Status = "ups_offline"
)

// DataSource identifies where a UPS snapshot came from.
type DataSource string

const (
	DataSourceNUT  DataSource = "nut"
	DataSourceSNMP DataSource = "snmp"
)

// Environment selects the push environment for a device registration.
type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// IsValid reports whether e is a known environment.
func (e Environment) IsValid() bool {
	return e == EnvironmentSandbox || e == EnvironmentProduction
}

// UPS is the latest persisted snapshot for one UPS. Nullable metric fields
// are pointers; they are all nil while the UPS is ups_offline.
type UPS struct {
	UPSID               string     `db:"ups_id" json:"upsId"`
	DataSource          DataSource `db:"data_source" json:"dataSource"`
	Status              Status     `db:"status" json:"status"`
	StatusRaw           *string    `db:"ups_status_raw" json:"upsStatusRaw"`
	BatteryPercent      *int       `db:"battery_percent" json:"batteryPercent"`
	RuntimeMinutes      *int       `db:"runtime_minutes" json:"runtimeMinutes"`
	RuntimeSeconds      *int       `db:"battery_runtime_seconds" json:"batteryRuntimeSeconds"`
	LoadPercent         *int       `db:"load_percent" json:"loadPercent"`
	InputVoltage        *float64   `db:"input_voltage" json:"inputVoltage"`
	OutputVoltage       *float64   `db:"output_voltage" json:"outputVoltage"`
	ConsecutiveFailures int        `db:"consecutive_failures" json:"consecutiveFailures"`

	// Extended NUT fields, mirroring upsd variable names.
	BatteryType           *string  `db:"battery_type" json:"batteryType"`
	BatteryChargeWarning  *int     `db:"battery_charge_warning" json:"batteryChargeWarning"`
	BatteryChargeLow      *int     `db:"battery_charge_low" json:"batteryChargeLow"`
	BatteryRuntimeLow     *int     `db:"battery_runtime_low" json:"batteryRuntimeLow"`
	BatteryVoltage        *float64 `db:"battery_voltage" json:"batteryVoltage"`
	BatteryVoltageNominal *float64 `db:"battery_voltage_nominal" json:"batteryVoltageNominal"`
	BatteryDate           *string  `db:"battery_date" json:"batteryDate"`
	BatteryMfrDate        *string  `db:"battery_mfr_date" json:"batteryMfrDate"`
	DeviceMfr             *string  `db:"device_mfr" json:"deviceMfr"`
	DeviceModel           *string  `db:"device_model" json:"deviceModel"`
	DeviceSerial          *string  `db:"device_serial" json:"deviceSerial"`
	DeviceType            *string  `db:"device_type" json:"deviceType"`
	DriverName            *string  `db:"driver_name" json:"driverName"`
	DriverVersion         *string  `db:"driver_version" json:"driverVersion"`
	DriverVersionData     *string  `db:"driver_version_data" json:"driverVersionData"`
	DriverVersionInternal *string  `db:"driver_version_internal" json:"driverVersionInternal"`
	DriverPollFreq        *int     `db:"driver_poll_freq" json:"driverPollFreq"`
	DriverPollInterval    *int     `db:"driver_poll_interval" json:"driverPollInterval"`
	DriverPort            *string  `db:"driver_port" json:"driverPort"`
	DriverSynchronous     *string  `db:"driver_synchronous" json:"driverSynchronous"`
	InputVoltageNominal   *float64 `db:"input_voltage_nominal" json:"inputVoltageNominal"`
	InputTransferLow      *float64 `db:"input_transfer_low" json:"inputTransferLow"`
	InputTransferHigh     *float64 `db:"input_transfer_high" json:"inputTransferHigh"`
	OutputFrequency       *float64 `db:"output_frequency" json:"outputFrequency"`
	UPSMfr                *string  `db:"ups_mfr" json:"upsMfr"`
	UPSModel              *string  `db:"ups_model" json:"upsModel"`
	UPSSerial             *string  `db:"ups_serial" json:"upsSerial"`
	UPSFirmware           *string  `db:"ups_firmware" json:"upsFirmware"`
	UPSVendorID           *string  `db:"ups_vendor_id" json:"upsVendorId"`
	UPSProductID          *string  `db:"ups_product_id" json:"upsProductId"`
	UPSBeeperStatus       *string  `db:"ups_beeper_status" json:"upsBeeperStatus"`
	UPSDelayShutdown      *int     `db:"ups_delay_shutdown" json:"upsDelayShutdown"`
	UPSDelayStart         *int     `db:"ups_delay_start" json:"upsDelayStart"`
	UPSTimerShutdown      *int     `db:"ups_timer_shutdown" json:"upsTimerShutdown"`
	UPSTimerStart         *int     `db:"ups_timer_start" json:"upsTimerStart"`
	UPSRealpowerNominal   *int     `db:"ups_realpower_nominal" json:"upsRealpowerNominal"`
	UPSTestResult         *string  `db:"ups_test_result" json:"upsTestResult"`

	CreatedAtNs int64 `db:"created_at_ns" json:"createdAtNs"`
	UpdatedAtNs int64 `db:"updated_at_ns" json:"updatedAtNs"`
}

// HasLowBattery reports whether the raw status flags contain the LB flag.
func (u *UPS) HasLowBattery() bool {
	if u == nil || u.StatusRaw == nil {
		return false
	}
	return strings.Contains(*u.StatusRaw, "LB")
}

// Device is one push registration: a device token bound to a UPS in one
// environment. DeviceToken holds the AES-GCM ciphertext, TokenHash the
// SHA-256 hex of the plaintext token.
type Device struct {
	ID             string      `db:"id" json:"id"`
	UPSID          string      `db:"ups_id" json:"upsId"`
	UPSAlias       *string     `db:"ups_alias" json:"upsAlias"`
	DeviceToken    string      `db:"device_token" json:"-"`
	TokenHash      string      `db:"token_hash" json:"-"`
	InstallationID *string     `db:"installation_id" json:"installationId"`
	ServerID       *string     `db:"server_id" json:"serverId"`
	UPSHidden      bool        `db:"ups_hidden" json:"upsHidden"`
	Environment    Environment `db:"environment" json:"environment"`
	CreatedAtNs    int64       `db:"created_at_ns" json:"createdAtNs"`
}
