package gogoodwe

import "strings"

// Model tags are substrings of serial numbers identifying a model line.
var (
	platform105Models   = []string{"ESU", "EMU", "ESA", "BPS", "BPU", "EMJ", "IJL"}
	platform205Models   = []string{"ETU", "ETL", "ETR", "BHN", "EHU", "BHU", "EHR", "BTU"}
	platform745LVModels = []string{"ESN", "EBN", "EMN", "SPN", "ERN", "ESC", "HLB", "HMB", "HBB", "EOA"}
	platform745HVModels = []string{"ETT", "HTA", "HUB", "AEB", "SPB", "CUB", "EUB", "HEB", "ERB", "BTT", "ETF", "ARB", "URB", "EBR"}
	platform753Models   = []string{"AES", "HHI", "ABP", "EHB", "HSB", "HUA", "CUA"}

	// ETModelTags identify ET, EH, BT and BH inverters.
	ETModelTags = concat(platform205Models, platform745LVModels, platform745HVModels, platform753Models, []string{"ETC", "BTC", "BTN"})

	// ESModelTags identify ES, EM and BP inverters.
	ESModelTags = platform105Models

	// DTModelTags identify DT, MS, D-NS and XS inverters.
	DTModelTags = []string{"DTU", "DTS", "MSU", "MST", "MSC", "DSN", "DTN", "DST", "NSU", "SSN", "SST", "SSX", "SSY", "PSB", "PSC"}

	singlePhaseModels = []string{
		"DSN", "DST", "NSU", "SSN", "SST", "SSX", "SSY", "MSU", "MST", "PSB", "PSC", "MSC",
		"EHB", "EHU", "EHR", "HSB",
		"ESN", "EMN", "ERN", "EBN", "HLB", "HMB", "HBB", "SPN",
	}

	mppt3Models = []string{"MSU", "MST", "PSC", "MSC", "25KET", "29K9ET", "25KMT", "GW10K-ET20", "GW12K-ET20", "GW15K-ET20"}
	mppt4Models = []string{"HSB", "EHB"}
)

// familyTags lists the families in classification priority order.
var familyTags = []struct {
	family Family
	tags   []string
}{
	{FamilyET, ETModelTags},
	{FamilyES, ESModelTags},
	{FamilyDT, DTModelTags},
}

// Classify returns the family whose model tag appears in serial. Families are checked
// in the order ET, ES, DT and the first match wins.
func Classify(serial string) (Family, bool) {
	for _, f := range familyTags {
		if containsAny(serial, f.tags) {
			return f.family, true
		}
	}
	return "", false
}

func isSinglePhase(serial string) bool { return containsAny(serial, singlePhaseModels) }

func is3MPPT(serial string) bool { return containsAny(serial, mppt3Models) }

func is4MPPT(serial string) bool { return containsAny(serial, mppt4Models) }

func containsAny(s string, tags []string) bool {
	for _, tag := range tags {
		if strings.Contains(s, tag) {
			return true
		}
	}
	return false
}

func concat(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
