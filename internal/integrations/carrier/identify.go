package carrier

import (
	"regexp"
	"strings"

	"github.com/parcelbeat/ParcelBeat/internal/models"
)

// Company-name fragments recognized as carrier hints, checked after
// normalization. Exact match wins, then substring. Fixed order, longer
// names first, so a hint naming several carriers resolves the same way
// every time.
var hintTable = []struct {
	name    string
	carrier string
}{
	{"united parcel service", models.CarrierUPS},
	{"united states postal service", models.CarrierUSPS},
	{"us postal service", models.CarrierUSPS},
	{"federal express", models.CarrierFedEx},
	{"fedex ground", models.CarrierFedEx},
	{"postal service", models.CarrierUSPS},
	{"fedex", models.CarrierFedEx},
	{"usps", models.CarrierUSPS},
	{"ups", models.CarrierUPS},
}

// Tracking-number patterns, most specific first. A distinctive prefix
// always ranks above a bare digit-count fallback.
var numberPatterns = []struct {
	carrier string
	re      *regexp.Regexp
}{
	{models.CarrierUPS, regexp.MustCompile(`^1Z[0-9A-Z]{16}$`)},
	{models.CarrierUPS, regexp.MustCompile(`^T\d{10}$`)},
	{models.CarrierUSPS, regexp.MustCompile(`^9[2-5]\d{18,24}$`)},
	{models.CarrierUSPS, regexp.MustCompile(`^[A-Z]{2}\d{9}US$`)},
	{models.CarrierFedEx, regexp.MustCompile(`^\d{20,22}$`)},
	{models.CarrierFedEx, regexp.MustCompile(`^\d{12}$`)},
	{models.CarrierFedEx, regexp.MustCompile(`^\d{15}$`)},
	{models.CarrierUSPS, regexp.MustCompile(`^\d{26}$`)},
}

var trademarkReplacer = strings.NewReplacer("®", "", "™", "", "©", "")

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

// Identify maps a free-text carrier hint and/or a tracking number to a
// carrier value. A recognized hint always wins over number inference.
func Identify(companyHint, trackingNumber string) string {
	if c := identifyByHint(companyHint); c != models.CarrierUnknown {
		return c
	}
	return identifyByNumber(trackingNumber)
}

func identifyByHint(hint string) string {
	h := strings.ToLower(strings.TrimSpace(trademarkReplacer.Replace(hint)))
	if h == "" {
		return models.CarrierUnknown
	}
	for _, e := range hintTable {
		if h == e.name {
			return e.carrier
		}
	}
	for _, e := range hintTable {
		if strings.Contains(h, e.name) {
			return e.carrier
		}
	}
	return models.CarrierUnknown
}

func identifyByNumber(trackingNumber string) string {
	n := CleanTrackingNumber(trackingNumber)
	if n == "" {
		return models.CarrierUnknown
	}
	for _, p := range numberPatterns {
		if p.re.MatchString(n) {
			return p.carrier
		}
	}
	return models.CarrierUnknown
}

// CleanTrackingNumber uppercases and strips spaces/dashes.
func CleanTrackingNumber(trackingNumber string) string {
	n := strings.ToUpper(strings.TrimSpace(trackingNumber))
	n = strings.ReplaceAll(n, " ", "")
	n = strings.ReplaceAll(n, "-", "")
	return n
}

var plausibleNumberRe = regexp.MustCompile(`^[0-9A-Z]{10,34}$`)

// PlausibleTrackingNumber — дешёвая проверка перед созданием джобы опроса.
func PlausibleTrackingNumber(trackingNumber string) bool {
	return plausibleNumberRe.MatchString(CleanTrackingNumber(trackingNumber))
}

// NormalizeServiceLevel lowercases, collapses non-alphanumerics to
// underscores and prefixes the carrier: ("ups", "Ground® Saver") ->
// "ups_ground_saver". Used as the delivery-window table key.
func NormalizeServiceLevel(carrierCode, serviceLevel string) string {
	s := strings.ToLower(strings.TrimSpace(trademarkReplacer.Replace(serviceLevel)))
	s = nonAlnumRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return ""
	}
	return carrierCode + "_" + s
}
