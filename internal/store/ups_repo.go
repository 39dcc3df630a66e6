package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/volteec/volteec-server/internal/model"
)

// offlineThreshold is the consecutive-failure count at which a UPS is
// promoted to ups_offline.
const offlineThreshold = 3

// upsColumns is the full column list of the ups table; the named upsert is
// generated from it so the statement cannot drift from the schema.
var upsColumns = []string{
	"ups_id", "data_source", "status", "ups_status_raw",
	"battery_percent", "runtime_minutes", "battery_runtime_seconds",
	"load_percent", "input_voltage", "output_voltage", "consecutive_failures",
	"battery_type", "battery_charge_warning", "battery_charge_low",
	"battery_runtime_low", "battery_voltage", "battery_voltage_nominal",
	"battery_date", "battery_mfr_date",
	"device_mfr", "device_model", "device_serial", "device_type",
	"driver_name", "driver_version", "driver_version_data",
	"driver_version_internal", "driver_poll_freq", "driver_poll_interval",
	"driver_port", "driver_synchronous",
	"input_voltage_nominal", "input_transfer_low", "input_transfer_high",
	"output_frequency",
	"ups_mfr", "ups_model", "ups_serial", "ups_firmware",
	"ups_vendor_id", "ups_product_id", "ups_beeper_status",
	"ups_delay_shutdown", "ups_delay_start", "ups_timer_shutdown",
	"ups_timer_start", "ups_realpower_nominal", "ups_test_result",
	"created_at_ns", "updated_at_ns",
}

var upsUpsertSQL = buildUpsertSQL()

func buildUpsertSQL() string {
	var b strings.Builder
	b.WriteString("INSERT INTO ups (")
	b.WriteString(strings.Join(upsColumns, ", "))
	b.WriteString(") VALUES (:")
	b.WriteString(strings.Join(upsColumns, ", :"))
	b.WriteString(") ON CONFLICT(ups_id) DO UPDATE SET ")
	var sets []string
	for _, col := range upsColumns {
		// created_at_ns is preserved on update; ups_id is the conflict key.
		if col == "ups_id" || col == "created_at_ns" {
			continue
		}
		sets = append(sets, col+" = excluded."+col)
	}
	b.WriteString(strings.Join(sets, ", "))
	return b.String()
}

// UPSRepo is the only writer of the ups table. All writes are serialized by
// an internal mutex; readers go through Get/List.
type UPSRepo struct {
	db *DB
	mu sync.Mutex
}

// NewUPSRepo creates a UPSRepo on the given database.
func NewUPSRepo(db *DB) *UPSRepo {
	return &UPSRepo{db: db}
}

// Upsert stores a freshly mapped snapshot. Existing rows are overwritten in
// full (created_at preserved) and consecutive_failures resets to zero.
// Returns the stored record and the prior status (nil if newly inserted).
func (r *UPSRepo) Upsert(u *model.UPS) (*model.UPS, *model.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UnixNano()
	tx, err := r.db.Beginx()
	if err != nil {
		return nil, nil, fmt.Errorf("begin upsert %s: %w", u.UPSID, err)
	}
	defer tx.Rollback()

	var previous *model.Status
	var prevStatus model.Status
	var createdAt int64
	row := tx.QueryRow(r.db.Rebind("SELECT status, created_at_ns FROM ups WHERE ups_id = ?"), u.UPSID)
	switch err := row.Scan(&prevStatus, &createdAt); {
	case err == nil:
		previous = &prevStatus
		u.CreatedAtNs = createdAt
	case errors.Is(err, sql.ErrNoRows):
		u.CreatedAtNs = now
	default:
		return nil, nil, fmt.Errorf("load previous status %s: %w", u.UPSID, err)
	}

	if u.DataSource == "" {
		u.DataSource = model.DataSourceNUT
	}
	u.ConsecutiveFailures = 0
	u.UpdatedAtNs = now

	if _, err := tx.NamedExec(upsUpsertSQL, u); err != nil {
		return nil, nil, fmt.Errorf("upsert %s: %w", u.UPSID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit upsert %s: %w", u.UPSID, err)
	}
	return u, previous, nil
}

// RegisterFailure records one failed poll. When the count reaches the
// offline threshold and the UPS is not already offline, the status flips to
// ups_offline and every metric, identity, driver and timer field is nulled.
// Returns (nil, nil, false) when the UPS was never polled successfully.
func (r *UPSRepo) RegisterFailure(upsID string) (*model.UPS, *model.Status, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := strings.ToLower(upsID)
	tx, err := r.db.Beginx()
	if err != nil {
		return nil, nil, false, fmt.Errorf("begin failure %s: %w", id, err)
	}
	defer tx.Rollback()

	var u model.UPS
	if err := tx.Get(&u, r.db.Rebind("SELECT * FROM ups WHERE ups_id = ?"), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, false, nil
		}
		return nil, nil, false, fmt.Errorf("load %s: %w", id, err)
	}

	previous := u.Status
	u.ConsecutiveFailures++
	changed := false
	if u.ConsecutiveFailures >= offlineThreshold && u.Status != model.StatusOffline {
		u.Status = model.StatusOffline
		clearSnapshotFields(&u)
		changed = true
	}
	u.UpdatedAtNs = time.Now().UnixNano()

	if _, err := tx.NamedExec(upsUpsertSQL, &u); err != nil {
		return nil, nil, false, fmt.Errorf("save failure %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, false, fmt.Errorf("commit failure %s: %w", id, err)
	}
	return &u, &previous, changed, nil
}

// Get returns the snapshot for upsID, or nil when unknown.
func (r *UPSRepo) Get(upsID string) (*model.UPS, error) {
	var u model.UPS
	err := r.db.Get(&u, r.db.Rebind("SELECT * FROM ups WHERE ups_id = ?"), strings.ToLower(upsID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ups %s: %w", upsID, err)
	}
	return &u, nil
}

// List returns every snapshot ordered by ups_id.
func (r *UPSRepo) List() ([]model.UPS, error) {
	var out []model.UPS
	if err := r.db.Select(&out, "SELECT * FROM ups ORDER BY ups_id"); err != nil {
		return nil, fmt.Errorf("list ups: %w", err)
	}
	return out, nil
}

// clearSnapshotFields nulls every nullable snapshot field. Identity
// (ups_id, data_source), status and failure bookkeeping survive.
func clearSnapshotFields(u *model.UPS) {
	u.StatusRaw = nil
	u.BatteryPercent = nil
	u.RuntimeMinutes = nil
	u.RuntimeSeconds = nil
	u.LoadPercent = nil
	u.InputVoltage = nil
	u.OutputVoltage = nil
	u.BatteryType = nil
	u.BatteryChargeWarning = nil
	u.BatteryChargeLow = nil
	u.BatteryRuntimeLow = nil
	u.BatteryVoltage = nil
	u.BatteryVoltageNominal = nil
	u.BatteryDate = nil
	u.BatteryMfrDate = nil
	u.DeviceMfr = nil
	u.DeviceModel = nil
	u.DeviceSerial = nil
	u.DeviceType = nil
	u.DriverName = nil
	u.DriverVersion = nil
	u.DriverVersionData = nil
	u.DriverVersionInternal = nil
	u.DriverPollFreq = nil
	u.DriverPollInterval = nil
	u.DriverPort = nil
	u.DriverSynchronous = nil
	u.InputVoltageNominal = nil
	u.InputTransferLow = nil
	u.InputTransferHigh = nil
	u.OutputFrequency = nil
	u.UPSMfr = nil
	u.UPSModel = nil
	u.UPSSerial = nil
	u.UPSFirmware = nil
	u.UPSVendorID = nil
	u.UPSProductID = nil
	u.UPSBeeperStatus = nil
	u.UPSDelayShutdown = nil
	u.UPSDelayStart = nil
	u.UPSTimerShutdown = nil
	u.UPSTimerStart = nil
	u.UPSRealpowerNominal = nil
	u.UPSTestResult = nil
}
