package ups

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parcelbeat/ParcelBeat/internal/integrations/carrier"
	"github.com/parcelbeat/ParcelBeat/internal/models"
	"github.com/pkg/errors"
)

type Client struct {
	baseURL string
	creds   *carrier.Credentials
	httpc   *http.Client
}

func New(baseURL string, creds *carrier.Credentials) *Client {
	if baseURL == "" {
		baseURL = "https://onlinetools.ups.com"
	}
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) TrackingURL(trackingNumber string) string {
	return "https://www.ups.com/track?tracknum=" + url.QueryEscape(trackingNumber)
}

type respStatus struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

type respActivity struct {
	Date     string     `json:"date"` // 20240115
	Time     string     `json:"time"` // 143000
	Status   respStatus `json:"status"`
	Location struct {
		Address struct {
			City          string `json:"city"`
			StateProvince string `json:"stateProvince"`
			PostalCode    string `json:"postalCode"`
			Country       string `json:"country"`
		} `json:"address"`
	} `json:"location"`
}

type respDeliveryDate struct {
	Type string `json:"type"` // DEL | RDD | SDD
	Date string `json:"date"`
}

type respPackage struct {
	CurrentStatus *respStatus        `json:"currentStatus"`
	Activity      []respActivity     `json:"activity"`
	DeliveryDate  []respDeliveryDate `json:"deliveryDate"`
	DeliveryTime  *struct {
		EndTime string `json:"endTime"`
	} `json:"deliveryTime"`
}

type respWarning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type respBody struct {
	TrackResponse *struct {
		Shipment []struct {
			Warnings []respWarning `json:"warnings"`
			Package  []respPackage `json:"package"`
		} `json:"shipment"`
	} `json:"trackResponse"`
}

// validate rejects bodies missing the required structure. Extra fields are
// tolerated; a missing package or status is not.
func (rb *respBody) validate() (*respPackage, *carrier.Error) {
	if rb.TrackResponse == nil || len(rb.TrackResponse.Shipment) == 0 {
		return nil, carrier.ParseError("ups: missing trackResponse.shipment")
	}
	sh := rb.TrackResponse.Shipment[0]
	for _, w := range sh.Warnings {
		// TW011: no tracking information available.
		if w.Code == "TW011" || strings.Contains(strings.ToLower(w.Message), "no tracking information") {
			return nil, carrier.NotFound("ups: " + w.Message)
		}
	}
	if len(sh.Package) == 0 {
		return nil, carrier.ParseError("ups: missing shipment.package")
	}
	p := sh.Package[0]
	if p.CurrentStatus == nil {
		return nil, carrier.ParseError("ups: missing package.currentStatus")
	}
	return &p, nil
}

func (c *Client) Track(ctx context.Context, trackingNumber string) (carrier.TrackingResult, error) {
	token, err := c.creds.Token(ctx, models.CarrierUPS)
	if err != nil {
		return carrier.TrackingResult{}, err
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "parse base url")
	}
	u.Path = fmt.Sprintf("/api/track/v1/details/%s", url.PathEscape(trackingNumber))
	q := u.Query()
	q.Set("locale", "en_US")
	q.Set("returnSignature", "false")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("transId", uuid.NewString())
	req.Header.Set("transactionSrc", "parcelbeat")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.TrackingResult{}, carrier.NetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 401 {
		_ = c.creds.Evict(ctx, models.CarrierUPS)
		return carrier.TrackingResult{}, carrier.AuthFailed("ups http 401")
	}
	if resp.StatusCode/100 != 2 {
		return carrier.TrackingResult{}, carrier.FromHTTPStatus(resp.StatusCode)
	}

	var rb respBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return carrier.TrackingResult{}, carrier.ParseError("ups: " + err.Error())
	}
	pkg, cerr := rb.validate()
	if cerr != nil {
		return carrier.TrackingResult{}, cerr
	}

	return normalize(pkg), nil
}

func normalize(pkg *respPackage) carrier.TrackingResult {
	res := carrier.TrackingResult{
		Status:    statusFromType(pkg.CurrentStatus.Type, pkg.CurrentStatus.Code),
		StatusRaw: pkg.CurrentStatus.Description,
	}

	if pkg.CurrentStatus.Type == "X" {
		res.IsException = true
		res.ExceptionCode = pkg.CurrentStatus.Code
		res.ExceptionMessage = pkg.CurrentStatus.Description
	}

	for _, a := range pkg.Activity {
		ev := &models.TrackingEvent{
			EventTime:   parseActivityTime(a.Date, a.Time),
			Type:        statusFromType(a.Status.Type, a.Status.Code),
			Description: a.Status.Description,
		}
		addr := a.Location.Address
		ev.LocationCity = strPtr(addr.City)
		ev.LocationState = strPtr(addr.StateProvince)
		ev.LocationZip = strPtr(addr.PostalCode)
		ev.LocationCountry = strPtr(addr.Country)
		res.Events = append(res.Events, ev)

		if a.Status.Type == "D" && res.DeliveredAt == nil {
			t := ev.EventTime
			res.DeliveredAt = &t
		}
	}
	carrier.SortEventsDesc(res.Events)

	if len(res.Events) > 0 {
		last := res.Events[0]
		res.LastScanAt = &last.EventTime
		res.LastScanLocation = scanLocation(last)
	}

	// Ordered date fallbacks: DEL (scheduled), RDD (rescheduled), SDD.
	for _, d := range pkg.DeliveryDate {
		t := parseActivityTime(d.Date, endTimeOrNoon(pkg))
		if t.IsZero() {
			continue
		}
		switch d.Type {
		case "DEL", "SDD":
			if res.ExpectedDeliveryDate == nil {
				tt := t
				res.ExpectedDeliveryDate = &tt
			}
		case "RDD":
			if res.RescheduledDeliveryDate == nil {
				tt := t
				res.RescheduledDeliveryDate = &tt
			}
		}
	}

	return res
}

func endTimeOrNoon(pkg *respPackage) string {
	if pkg.DeliveryTime != nil && pkg.DeliveryTime.EndTime != "" {
		return pkg.DeliveryTime.EndTime
	}
	return "120000"
}

// UPS status types: M = manifest, P = pickup, I = in transit,
// O = out for delivery, D = delivered, X = exception, RS = returned.
func statusFromType(typ, code string) string {
	switch typ {
	case "D":
		return models.ShipmentStatusDelivered
	case "O":
		return models.ShipmentStatusOutForDelivery
	case "I", "P":
		return models.ShipmentStatusInTransit
	case "M", "MV":
		return models.ShipmentStatusPreTransit
	case "X":
		return models.ShipmentStatusException
	case "RS":
		return models.ShipmentStatusReturned
	default:
		if code == "011" {
			return models.ShipmentStatusDelivered
		}
		return models.ShipmentStatusUnknown
	}
}

func parseActivityTime(date, tm string) time.Time {
	if date == "" {
		return time.Time{}
	}
	if tm == "" {
		tm = "000000"
	}
	t, err := time.ParseInLocation("20060102 150405", date+" "+tm, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func scanLocation(ev *models.TrackingEvent) *string {
	var parts []string
	for _, p := range []*string{ev.LocationCity, ev.LocationState, ev.LocationCountry} {
		if p != nil && *p != "" {
			parts = append(parts, *p)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	s := strings.Join(parts, ", ")
	return &s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
