package store

import (
	"testing"

	"github.com/volteec/volteec-server/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func intPtr(n int) *int         { return &n }
func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }

func onlineSnapshot(upsID string) *model.UPS {
	raw := "OL CHRG"
	return &model.UPS{
		UPSID:          upsID,
		DataSource:     model.DataSourceNUT,
		Status:         model.StatusOnline,
		StatusRaw:      &raw,
		BatteryPercent: intPtr(87),
		RuntimeMinutes: intPtr(20),
		RuntimeSeconds: intPtr(1259),
		LoadPercent:    intPtr(13),
		InputVoltage:   f64Ptr(229.8),
		UPSModel:       strPtr("CP1500PFCLCD"),
		DriverName:     strPtr("usbhid-ups"),
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

// legacyDDL mirrors the schema the first releases created in one shot,
// before versioned migrations: the ups table already carries the extended
// NUT columns but devices predates the targeting columns and indexes.
const legacyDDL = `
CREATE TABLE ups (
	ups_id                  TEXT PRIMARY KEY CHECK (ups_id = lower(ups_id)),
	data_source             TEXT NOT NULL DEFAULT 'nut',
	status                  TEXT NOT NULL,
	ups_status_raw          TEXT,
	battery_percent         INTEGER,
	runtime_minutes         INTEGER,
	battery_runtime_seconds INTEGER,
	load_percent            INTEGER,
	input_voltage           DOUBLE PRECISION,
	output_voltage          DOUBLE PRECISION,
	consecutive_failures    INTEGER NOT NULL DEFAULT 0,
	battery_type            TEXT,
	battery_charge_warning  INTEGER,
	battery_charge_low      INTEGER,
	battery_runtime_low     INTEGER,
	battery_voltage         DOUBLE PRECISION,
	battery_voltage_nominal DOUBLE PRECISION,
	battery_date            TEXT,
	battery_mfr_date        TEXT,
	device_mfr              TEXT,
	device_model            TEXT,
	device_serial           TEXT,
	device_type             TEXT,
	driver_name             TEXT,
	driver_version          TEXT,
	driver_version_data     TEXT,
	driver_version_internal TEXT,
	driver_poll_freq        INTEGER,
	driver_poll_interval    INTEGER,
	driver_port             TEXT,
	driver_synchronous      TEXT,
	input_voltage_nominal   DOUBLE PRECISION,
	input_transfer_low      DOUBLE PRECISION,
	input_transfer_high     DOUBLE PRECISION,
	output_frequency        DOUBLE PRECISION,
	ups_mfr                 TEXT,
	ups_model               TEXT,
	ups_serial              TEXT,
	ups_firmware            TEXT,
	ups_vendor_id           TEXT,
	ups_product_id          TEXT,
	ups_beeper_status       TEXT,
	ups_delay_shutdown      INTEGER,
	ups_delay_start         INTEGER,
	ups_timer_shutdown      INTEGER,
	ups_timer_start         INTEGER,
	ups_realpower_nominal   INTEGER,
	ups_test_result         TEXT,
	created_at_ns           BIGINT NOT NULL,
	updated_at_ns           BIGINT NOT NULL
);

CREATE TABLE devices (
	id            TEXT PRIMARY KEY,
	ups_id        TEXT NOT NULL,
	device_token  TEXT NOT NULL,
	environment   TEXT NOT NULL DEFAULT 'sandbox',
	created_at_ns BIGINT NOT NULL,
	UNIQUE (ups_id, device_token, environment)
);
`

func TestMigrate_AdoptsPreMigrateDatabase(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(legacyDDL); err != nil {
		t.Fatalf("legacy ddl: %v", err)
	}

	// Baseline detection must skip the already-applied versions and bring
	// only the missing device targeting columns in.
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate legacy db: %v", err)
	}

	if _, _, err := NewUPSRepo(db).Upsert(onlineSnapshot("ups1")); err != nil {
		t.Fatalf("upsert after migration: %v", err)
	}
	created, err := NewDeviceRepo(db).Register(testDevice())
	if err != nil {
		t.Fatalf("register after migration: %v", err)
	}
	if !created {
		t.Error("register after migration: expected a new row")
	}

	if err := Migrate(db); err != nil {
		t.Fatalf("re-migrate adopted db: %v", err)
	}
}

func TestUpsert_InsertThenUpdate(t *testing.T) {
	repo := NewUPSRepo(newTestDB(t))

	stored, prev, err := repo.Upsert(onlineSnapshot("ups1"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if prev != nil {
		t.Errorf("previous status on insert: got %v, want nil", *prev)
	}
	if stored.ConsecutiveFailures != 0 {
		t.Errorf("consecutiveFailures: got %d, want 0", stored.ConsecutiveFailures)
	}
	createdAt := stored.CreatedAtNs

	next := onlineSnapshot("ups1")
	next.Status = model.StatusOnBattery
	stored, prev, err = repo.Upsert(next)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if prev == nil || *prev != model.StatusOnline {
		t.Errorf("previous status on update: got %v, want online", prev)
	}
	if stored.CreatedAtNs != createdAt {
		t.Errorf("createdAt changed on update: %d != %d", stored.CreatedAtNs, createdAt)
	}

	got, err := repo.Get("ups1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusOnBattery {
		t.Errorf("status: got %q, want on_battery", got.Status)
	}
	if got.BatteryPercent == nil || *got.BatteryPercent != 87 {
		t.Errorf("batteryPercent: got %v, want 87", got.BatteryPercent)
	}
}

func TestUpsert_ResetsFailureCount(t *testing.T) {
	repo := NewUPSRepo(newTestDB(t))

	if _, _, err := repo.Upsert(onlineSnapshot("ups1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, _, _, err := repo.RegisterFailure("ups1"); err != nil {
		t.Fatalf("failure: %v", err)
	}
	if _, _, err := repo.Upsert(onlineSnapshot("ups1")); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err := repo.Get("ups1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("consecutiveFailures: got %d, want 0", got.ConsecutiveFailures)
	}
}

func TestRegisterFailure_UnknownUPS(t *testing.T) {
	repo := NewUPSRepo(newTestDB(t))

	stored, prev, changed, err := repo.RegisterFailure("never-seen")
	if err != nil {
		t.Fatalf("failure: %v", err)
	}
	if stored != nil || prev != nil || changed {
		t.Errorf("unknown ups: got (%v, %v, %v), want (nil, nil, false)", stored, prev, changed)
	}
}

func TestRegisterFailure_PromotesAtThree(t *testing.T) {
	repo := NewUPSRepo(newTestDB(t))
	if _, _, err := repo.Upsert(onlineSnapshot("ups1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for i := 1; i <= 2; i++ {
		stored, _, changed, err := repo.RegisterFailure("ups1")
		if err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		if changed {
			t.Errorf("failure %d: status changed early", i)
		}
		if stored.ConsecutiveFailures != i {
			t.Errorf("failure %d: count got %d", i, stored.ConsecutiveFailures)
		}
		if stored.Status != model.StatusOnline {
			t.Errorf("failure %d: status got %q, want online", i, stored.Status)
		}
	}

	stored, prev, changed, err := repo.RegisterFailure("ups1")
	if err != nil {
		t.Fatalf("third failure: %v", err)
	}
	if !changed {
		t.Error("third failure: expected status change")
	}
	if prev == nil || *prev != model.StatusOnline {
		t.Errorf("previous: got %v, want online", prev)
	}
	if stored.Status != model.StatusOffline {
		t.Errorf("status: got %q, want ups_offline", stored.Status)
	}
	if stored.ConsecutiveFailures != 3 {
		t.Errorf("count: got %d, want 3", stored.ConsecutiveFailures)
	}

	// Every metric, identity and driver field must be null.
	got, err := repo.Get("ups1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.StatusRaw != nil || got.BatteryPercent != nil || got.RuntimeMinutes != nil ||
		got.RuntimeSeconds != nil || got.LoadPercent != nil || got.InputVoltage != nil ||
		got.UPSModel != nil || got.DriverName != nil {
		t.Errorf("offline row still carries metrics: %+v", got)
	}
}

func TestRegisterFailure_AlreadyOffline(t *testing.T) {
	repo := NewUPSRepo(newTestDB(t))
	if _, _, err := repo.Upsert(onlineSnapshot("ups1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, _, _, err := repo.RegisterFailure("ups1"); err != nil {
			t.Fatalf("failure: %v", err)
		}
	}

	stored, _, changed, err := repo.RegisterFailure("ups1")
	if err != nil {
		t.Fatalf("fourth failure: %v", err)
	}
	if changed {
		t.Error("fourth failure: no further status change expected")
	}
	if stored.ConsecutiveFailures != 4 {
		t.Errorf("count: got %d, want 4", stored.ConsecutiveFailures)
	}
}

func TestUpsert_RejectsUppercaseID(t *testing.T) {
	repo := NewUPSRepo(newTestDB(t))
	bad := onlineSnapshot("UPS1")
	if _, _, err := repo.Upsert(bad); err == nil {
		t.Fatal("expected check-constraint violation for uppercase ups_id")
	}
}

func TestList_OrderedByID(t *testing.T) {
	repo := NewUPSRepo(newTestDB(t))
	for _, id := range []string{"zeta", "alpha"} {
		if _, _, err := repo.Upsert(onlineSnapshot(id)); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	all, err := repo.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].UPSID != "alpha" || all[1].UPSID != "zeta" {
		t.Errorf("list order: got %v", all)
	}
}

// --- devices ---

func testDevice() *model.Device {
	return &model.Device{
		UPSID:       "ups1",
		DeviceToken: "ciphertext-1",
		TokenHash:   "aabbcc",
		Environment: model.EnvironmentSandbox,
	}
}

func TestRegister_Idempotent(t *testing.T) {
	repo := NewDeviceRepo(newTestDB(t))

	created, err := repo.Register(testDevice())
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	if !created {
		t.Error("first register: expected created=true")
	}

	d := testDevice()
	d.UPSAlias = strPtr("Garage")
	d.DeviceToken = "ciphertext-2" // re-encryption produces new ciphertext
	created, err = repo.Register(d)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if created {
		t.Error("second register: expected created=false")
	}

	n, err := repo.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("count: got %d, want 1", n)
	}

	all, err := repo.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if all[0].UPSAlias == nil || *all[0].UPSAlias != "Garage" {
		t.Errorf("alias not updated: %v", all[0].UPSAlias)
	}
	if all[0].DeviceToken != "ciphertext-2" {
		t.Errorf("token not refreshed: %q", all[0].DeviceToken)
	}
}

func TestRegister_DistinctInstallationsCreateRows(t *testing.T) {
	repo := NewDeviceRepo(newTestDB(t))

	if _, err := repo.Register(testDevice()); err != nil {
		t.Fatalf("register: %v", err)
	}
	d := testDevice()
	d.DeviceToken = "ciphertext-2"
	d.InstallationID = strPtr("7f1a9f36-9e6f-4f86-a9b4-7f2a60f0c1de")
	created, err := repo.Register(d)
	if err != nil {
		t.Fatalf("register with installation: %v", err)
	}
	if !created {
		t.Error("distinct installation_id should create a new row")
	}

	n, _ := repo.Count()
	if n != 2 {
		t.Errorf("count: got %d, want 2", n)
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	repo := NewDeviceRepo(newTestDB(t))
	if _, err := repo.Register(testDevice()); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := repo.Unregister("aabbcc", "ups1", model.EnvironmentSandbox); err != nil {
			t.Fatalf("unregister %d: %v", i, err)
		}
	}
	n, _ := repo.Count()
	if n != 0 {
		t.Errorf("count after unregister: got %d, want 0", n)
	}
}
