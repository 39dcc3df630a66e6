package nut

import (
	"math"
	"strconv"
	"strings"

	"github.com/volteec/volteec-server/internal/model"
)

// MapVariables translates a raw NUT variable map into a typed snapshot.
// It is pure: missing keys yield nil fields, never errors.
func MapVariables(vars map[string]string, upsName string) *model.UPS {
	u := &model.UPS{
		UPSID:      strings.ToLower(upsName),
		DataSource: model.DataSourceNUT,
		Status:     DeriveStatus(vars["ups.status"]),
	}

	if raw, ok := vars["ups.status"]; ok {
		u.StatusRaw = &raw
	}

	u.BatteryPercent = intRound(vars, "battery.charge")
	u.RuntimeSeconds = intTrunc(vars, "battery.runtime")
	if u.RuntimeSeconds != nil {
		mins := *u.RuntimeSeconds / 60
		u.RuntimeMinutes = &mins
	}
	u.LoadPercent = intRound(vars, "ups.load")
	u.InputVoltage = floatVal(vars, "input.voltage")
	u.OutputVoltage = floatVal(vars, "output.voltage")

	u.BatteryType = strVal(vars, "battery.type")
	u.BatteryChargeWarning = intRound(vars, "battery.charge.warning")
	u.BatteryChargeLow = intRound(vars, "battery.charge.low")
	u.BatteryRuntimeLow = intTrunc(vars, "battery.runtime.low")
	u.BatteryVoltage = floatVal(vars, "battery.voltage")
	u.BatteryVoltageNominal = floatVal(vars, "battery.voltage.nominal")
	u.BatteryDate = strVal(vars, "battery.date")
	u.BatteryMfrDate = strVal(vars, "battery.mfr.date")
	u.DeviceMfr = strVal(vars, "device.mfr")
	u.DeviceModel = strVal(vars, "device.model")
	u.DeviceSerial = strVal(vars, "device.serial")
	u.DeviceType = strVal(vars, "device.type")
	u.DriverName = strVal(vars, "driver.name")
	u.DriverVersion = strVal(vars, "driver.version")
	u.DriverVersionData = strVal(vars, "driver.version.data")
	u.DriverVersionInternal = strVal(vars, "driver.version.internal")
	u.DriverPollFreq = intTrunc(vars, "driver.parameter.pollfreq")
	u.DriverPollInterval = intTrunc(vars, "driver.parameter.pollinterval")
	u.DriverPort = strVal(vars, "driver.parameter.port")
	u.DriverSynchronous = strVal(vars, "driver.parameter.synchronous")
	u.InputVoltageNominal = floatVal(vars, "input.voltage.nominal")
	u.InputTransferLow = floatVal(vars, "input.transfer.low")
	u.InputTransferHigh = floatVal(vars, "input.transfer.high")
	u.OutputFrequency = floatVal(vars, "output.frequency")
	u.UPSMfr = strVal(vars, "ups.mfr")
	u.UPSModel = strVal(vars, "ups.model")
	u.UPSSerial = strVal(vars, "ups.serial")
	u.UPSFirmware = strVal(vars, "ups.firmware")
	u.UPSVendorID = strVal(vars, "ups.vendorid")
	u.UPSProductID = strVal(vars, "ups.productid")
	u.UPSBeeperStatus = strVal(vars, "ups.beeper.status")
	u.UPSDelayShutdown = intTrunc(vars, "ups.delay.shutdown")
	u.UPSDelayStart = intTrunc(vars, "ups.delay.start")
	u.UPSTimerShutdown = intTrunc(vars, "ups.timer.shutdown")
	u.UPSTimerStart = intTrunc(vars, "ups.timer.start")
	u.UPSRealpowerNominal = intTrunc(vars, "ups.realpower.nominal")
	u.UPSTestResult = strVal(vars, "ups.test.result")

	return u
}

// DeriveStatus maps a raw ups.status flag string to the canonical status.
// Priority: OL wins over OB/LB; anything else (or empty) is ups_offline.
// Matching is case-insensitive.
func DeriveStatus(raw string) model.Status {
	upper := strings.ToUpper(raw)
	switch {
	case strings.Contains(upper, "OL"):
		return model.StatusOnline
	case strings.Contains(upper, "OB"), strings.Contains(upper, "LB"):
		return model.StatusOnBattery
	default:
		return model.StatusOffline
	}
}

func strVal(vars map[string]string, key string) *string {
	if v, ok := vars[key]; ok {
		return &v
	}
	return nil
}

func floatVal(vars map[string]string, key string) *float64 {
	v, ok := vars[key]
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return nil
	}
	return &f
}

// intRound parses a percentage-like value, rounding to nearest.
func intRound(vars map[string]string, key string) *int {
	f := floatVal(vars, key)
	if f == nil {
		return nil
	}
	n := int(math.Round(*f))
	return &n
}

// intTrunc parses a time- or count-like value, truncating toward zero.
func intTrunc(vars map[string]string, key string) *int {
	f := floatVal(vars, key)
	if f == nil {
		return nil
	}
	n := int(math.Trunc(*f))
	return &n
}
