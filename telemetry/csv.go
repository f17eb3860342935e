package telemetry

import (
	"strconv"

	"rocket-groundstation/common"
)

var baselineHeader = []string{
	"Timestamp",
	"Mode",
	"Latitude",
	"Longitude",
	"Altitude GPS (m)",
	"Altitude Pressure (m)",
	"Pressure (Pa)",
	"GPS Valid",
	"Pressure Valid",
}

var extendedHeader = []string{
	"Accel X (g)",
	"Accel Y (g)",
	"Accel Z (g)",
	"Gyro X (deg/s)",
	"Gyro Y (deg/s)",
	"Gyro Z (deg/s)",
	"Mag X (µT)",
	"Mag Y (µT)",
	"Mag Z (µT)",
	"IMU Temp (°C)",
	"IMU Valid",
	"Bus Voltage (V)",
	"Current (mA)",
	"Power (mW)",
	"Power Valid",
}

// CSVHeader возвращает заголовок CSV файла: все поля кадра, кроме маркера
func (r Revision) CSVHeader() []string {
	header := make([]string, 0, r.Fields()-1)
	header = append(header, baselineHeader...)
	if r.HasIMU() {
		header = append(header, extendedHeader...)
	}
	return append(header, "RSSI (dBm)")
}

// CSVRow кодирует запись в строку CSV в порядке CSVHeader
func (r Revision) CSVRow(rec *Telemetry) []string {
	row := make([]string, 0, r.Fields()-1)
	row = append(row,
		rec.Timestamp,
		strconv.Itoa(rec.Mode),
		ftoa(rec.Latitude),
		ftoa(rec.Longitude),
		ftoa(rec.AltitudeGPS),
		ftoa(rec.AltitudePressure),
		ftoa(rec.Pressure),
		btoa(rec.GPSValid),
		btoa(rec.PressureValid),
	)

	if r.HasIMU() {
		imu := rec.IMUBlock
		if imu == nil {
			imu = &common.IMUBlock{}
		}
		power := rec.PowerBlock
		if power == nil {
			power = &common.PowerBlock{}
		}
		row = append(row,
			ftoa(imu.AccelX), ftoa(imu.AccelY), ftoa(imu.AccelZ),
			ftoa(imu.GyroX), ftoa(imu.GyroY), ftoa(imu.GyroZ),
			ftoa(imu.MagX), ftoa(imu.MagY), ftoa(imu.MagZ),
			ftoa(imu.IMUTemperature),
			btoa(imu.IMUValid),
			ftoa(power.BusVoltage),
			ftoa(power.Current),
			ftoa(power.PowerMW),
			btoa(power.PowerValid),
		)
	}

	return append(row, ftoa(rec.RSSI))
}

func ftoa(f common.Float) string {
	if f.IsNaN() {
		return "NaN"
	}
	return strconv.FormatFloat(float64(f), 'f', -1, 64)
}

func btoa(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
