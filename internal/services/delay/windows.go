package delay

import "github.com/parcelbeat/ParcelBeat/internal/models"

// Business-day delivery windows by normalized service level. Lookup order:
// tenant override table, this table, per-carrier generic, universal generic.
var serviceWindows = map[string]int{
	"ups_ground":           5,
	"ups_ground_saver":     6,
	"ups_3_day_select":     3,
	"ups_2nd_day_air":      2,
	"ups_next_day_air":     1,
	"ups_worldwide_expedited": 5,

	"fedex_ground":            5,
	"fedex_home_delivery":     5,
	"fedex_express_saver":     3,
	"fedex_2day":              2,
	"fedex_standard_overnight": 1,
	"fedex_priority_overnight": 1,
	"fedex_first_overnight":    1,

	"usps_ground_advantage":  5,
	"usps_first_class":       4,
	"usps_priority_mail":     3,
	"usps_priority":          3,
	"usps_priority_mail_express": 1,
	"usps_media_mail":        8,
}

var carrierGenericWindows = map[string]int{
	models.CarrierUPS:   5,
	models.CarrierFedEx: 5,
	models.CarrierUSPS:  5,
}

// genericWindow is the universal fallback when nothing matches.
const genericWindow = 7

// WindowFor resolves the business-day window for a carrier/service pair.
// overrides is the tenant's per-service table and wins outright.
func WindowFor(carrierCode, normalizedService string, overrides map[string]int) int {
	if normalizedService != "" {
		if d, ok := overrides[normalizedService]; ok && d > 0 {
			return d
		}
		if d, ok := serviceWindows[normalizedService]; ok {
			return d
		}
	}
	if d, ok := carrierGenericWindows[carrierCode]; ok {
		return d
	}
	return genericWindow
}
