package sensor

import (
	"fmt"
	"strings"
)

// Labels maps raw codes to their text.
type Labels map[int]string

// UnknownCode is the decoded value of a code missing from its label table.
type UnknownCode int

func (c UnknownCode) String() string {
	return fmt.Sprintf("unknown(%d)", int(c))
}

// Lookup returns the label of code, or UnknownCode.
func (l Labels) Lookup(code int) any {
	if label, ok := l[code]; ok {
		return label
	}
	return UnknownCode(code)
}

// DecodeBitmap returns the comma separated labels of the bits set in bits, LSB first.
// Bits without label are named err<bit>, bits labeled with the empty string are skipped.
func DecodeBitmap(bits uint32, labels Labels) string {
	var result []string
	for i := 0; i < 32; i++ {
		if bits&(1<<i) == 0 {
			continue
		}
		label, ok := labels[i]
		if !ok {
			label = fmt.Sprintf("err%d", i)
		}
		if label != "" {
			result = append(result, label)
		}
	}
	return strings.Join(result, ", ")
}

var (
	PVModes = Labels{
		0: "PV panels not connected",
		1: "PV panels connected, no power",
		2: "PV panels connected, producing power",
	}

	BatteryModes = Labels{
		0: "No battery",
		1: "Standby",
		2: "Discharge",
		3: "Charge",
		4: "To be charged",
		5: "To be discharged",
	}

	EnergyModes = Labels{
		0:   "Check Mode",
		1:   "Wait Mode",
		2:   "Normal (On-Grid)",
		4:   "Normal (Off-Grid)",
		8:   "Flash Mode",
		16:  "Fault Mode",
		32:  "Battery Standby",
		64:  "Battery Charging",
		128: "Battery Discharging",
	}

	GridModes = Labels{
		0: "Not connected to grid",
		1: "Connected to grid",
		2: "Fault",
	}

	GridInOutModes = Labels{
		0: "Idle",
		1: "Exporting",
		2: "Importing",
	}

	LoadModes = Labels{
		0: "Inverter and the load is disconnected",
		1: "The inverter is connected to a load",
	}

	WorkModes = Labels{
		0: "Wait Mode",
		1: "Normal",
		2: "Error",
		4: "Check Mode",
	}

	WorkModesES = Labels{
		0: "Inverter Off - Standby",
		1: "Inverter On",
		2: "Inverter Abnormal, stopping power",
		3: "Inverter Severely Abnormal, 20 seconds to restart",
	}

	WorkModesET = Labels{
		0: "Wait Mode",
		1: "Normal (On-Grid)",
		2: "Normal (Off-Grid)",
		3: "Fault Mode",
		4: "Flash Mode",
		5: "Check Mode",
	}

	SafetyCountries = Labels{
		0:  "Italy",
		1:  "Czech",
		2:  "Germany",
		3:  "Spain",
		4:  "Greece",
		5:  "Denmark",
		6:  "Belgium",
		7:  "Romania",
		8:  "G83/G59",
		9:  "Australia",
		10: "France",
		11: "China",
		13: "Poland",
		14: "South Africa",
		16: "Brazil",
		17: "Thailand MEA",
		18: "Thailand PEA",
		19: "Mauritius",
		20: "Holland",
		21: "Northern Ireland",
		22: "China Higher",
		23: "French 50Hz",
		24: "French 60Hz",
		25: "Australia Ergon",
		26: "Australia Energex",
		27: "Holland 16/20A",
		28: "Korea",
		29: "China Station",
		30: "Austria",
		31: "India",
		32: "50Hz Grid Default",
		33: "Warehouse",
		34: "Philippines",
		35: "Ireland",
		36: "Taiwan",
		37: "Bulgaria",
		38: "Barbados",
		39: "China Highest",
		40: "G99",
		41: "Sweden",
		42: "Chile",
		43: "Brazil LV",
		44: "NewZealand",
		45: "IEEE1547 208VAC",
		46: "IEEE1547 220VAC",
		47: "IEEE1547 240VAC",
		48: "60Hz LV Default",
		49: "50Hz LV Default",
	}

	ErrorCodes = Labels{
		31: "Internal Communication Failure",
		30: "EEPROM R/W Failure",
		29: "Fac Failure",
		28: "DSP communication failure",
		27: "PhaseAngleFailure",
		26: "",
		25: "Relay Check Failure",
		24: "",
		23: "Vac Consistency Failure",
		22: "Fac Consistency Failure",
		21: "",
		20: "Back-Up Over Load",
		19: "DC Injection High",
		18: "Isolation Failure",
		17: "Vac Failure",
		16: "External Fan Failure",
		15: "PV Over Voltage",
		14: "Utility Phase Failure",
		13: "Over Temperature",
		12: "InternalFan Failure",
		11: "DC Bus High",
		10: "Ground I Failure",
		9:  "Utility Loss",
		8:  "AC HCT Failure",
		7:  "Relay Device Failure",
		6:  "GFCI Device Failure",
		5:  "",
		4:  "GFCI Consistency Failure",
		3:  "DCI Consistency Failure",
		2:  "",
		1:  "AC HCT Check Failure",
		0:  "GFCI Device Check Failure",
	}

	DiagStatusCodes = Labels{
		0:  "Battery voltage low",
		1:  "Battery SOC low",
		2:  "Battery SOC in back",
		3:  "BMS: Discharge disabled",
		4:  "Discharge time on",
		5:  "Charge time on",
		6:  "Discharge Driver On",
		7:  "BMS: Discharge current low",
		8:  "APP: Discharge current too low",
		9:  "Meter communication failure",
		10: "Meter connection reversed",
		11: "Self-use load light",
		12: "EMS: discharge current is zero",
		13: "Discharge BUS high PV voltage",
		14: "Battery Disconnected",
		15: "Battery Overcharged",
		16: "BMS: Temperature too high",
		17: "BMS: Charge too high",
		18: "BMS: Charge disabled",
		19: "Self-use off",
		20: "SOC delta too volatile",
		21: "Battery self discharge too high",
		22: "Battery SOC low (off-grid)",
		23: "Grid wave unstable",
		24: "Export power limit set",
		25: "PF value set",
		26: "Real power limit set",
		27: "DC output on",
		28: "SOC protect off",
	}

	BMSAlarmCodes = Labels{
		0:  "Charging over-voltage 2",
		1:  "Discharge under-voltage 2",
		2:  "Cell temperature high 2",
		3:  "Cell temperature low 2",
		4:  "Charging over-current 2",
		5:  "Discharging over-current 2",
		6:  "Precharge fault",
		7:  "DC bus fault",
		8:  "Battery break",
		9:  "Battery lock",
		10: "Discharge circuit fault",
		11: "Charging circuit failure",
		12: "Communication failure 2",
		13: "Cell temperature high 3",
		14: "Discharge under-voltage 3",
		15: "Charging over-voltage 3",
	}

	BMSWarningCodes = Labels{
		0:  "Charging over-voltage 1",
		1:  "Discharge under-voltage 1",
		2:  "Cell temperature high 1",
		3:  "Cell temperature low 1",
		4:  "Charging over-current 1",
		5:  "Discharging over-current 1",
		6:  "Communication failure 1",
		7:  "System reboot",
		8:  "Cell imbalance",
		9:  "System low temperature 1",
		10: "System low temperature 2",
		11: "System high temperature",
	}

	DeratingModeCodes = Labels{
		0:  "Active power setting",
		1:  "Over frequency",
		2:  "Under frequency",
		3:  "Over voltage",
		4:  "Under voltage",
		5:  "Reactive power setting",
		6:  "Power factor setting",
		7:  "Over temperature",
		8:  "PV input over voltage",
		9:  "Export limit",
		10: "Startup power ramp",
		11: "Bus over voltage",
	}
)
