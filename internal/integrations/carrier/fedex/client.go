package fedex

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

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
		baseURL = "https://apis.fedex.com"
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
	return "https://www.fedex.com/fedextrack/?trknbr=" + url.QueryEscape(trackingNumber)
}

type trackingNumberInfo struct {
	TrackingNumber string `json:"trackingNumber"`
}

type trackingInfo struct {
	TrackingNumberInfo trackingNumberInfo `json:"trackingNumberInfo"`
}

type trackRequest struct {
	IncludeDetailedScans bool           `json:"includeDetailedScans"`
	TrackingInfo         []trackingInfo `json:"trackingInfo"`
}

type respDateAndTime struct {
	Type     string `json:"type"` // ESTIMATED_DELIVERY | ACTUAL_DELIVERY | ...
	DateTime string `json:"dateTime"`
}

type respScanEvent struct {
	Date             string `json:"date"`
	EventType        string `json:"eventType"`
	EventDescription string `json:"eventDescription"`
	ExceptionCode    string `json:"exceptionCode"`
	ScanLocation     struct {
		City                string `json:"city"`
		StateOrProvinceCode string `json:"stateOrProvinceCode"`
		PostalCode          string `json:"postalCode"`
		CountryCode         string `json:"countryCode"`
	} `json:"scanLocation"`
}

type respTrackResult struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	LatestStatusDetail *struct {
		Code           string `json:"code"`
		DerivedCode    string `json:"derivedCode"`
		StatusByLocale string `json:"statusByLocale"`
		DelayDetail    *struct {
			Type string `json:"type"`
		} `json:"delayDetail"`
	} `json:"latestStatusDetail"`
	DateAndTimes                 []respDateAndTime `json:"dateAndTimes"`
	EstimatedDeliveryTimeWindow  *respWindow       `json:"estimatedDeliveryTimeWindow"`
	StandardTransitTimeWindow    *respWindow       `json:"standardTransitTimeWindow"`
	ScanEvents                   []respScanEvent   `json:"scanEvents"`
}

type respWindow struct {
	Window struct {
		Ends string `json:"ends"`
	} `json:"window"`
}

type respBody struct {
	Output *struct {
		CompleteTrackResults []struct {
			TrackResults []respTrackResult `json:"trackResults"`
		} `json:"completeTrackResults"`
	} `json:"output"`
}

func (rb *respBody) validate() (*respTrackResult, *carrier.Error) {
	if rb.Output == nil || len(rb.Output.CompleteTrackResults) == 0 ||
		len(rb.Output.CompleteTrackResults[0].TrackResults) == 0 {
		return nil, carrier.ParseError("fedex: missing output.completeTrackResults")
	}
	tr := rb.Output.CompleteTrackResults[0].TrackResults[0]
	if tr.Error != nil {
		// Embedded not-found arrives inside a 200 payload.
		if strings.Contains(tr.Error.Code, "NOTFOUND") {
			return nil, carrier.NotFound("fedex: " + tr.Error.Message)
		}
		return nil, carrier.NewError(carrier.CodeAPIError, "fedex: "+tr.Error.Message, false)
	}
	if tr.LatestStatusDetail == nil {
		return nil, carrier.ParseError("fedex: missing latestStatusDetail")
	}
	return &tr, nil
}

func (c *Client) Track(ctx context.Context, trackingNumber string) (carrier.TrackingResult, error) {
	token, err := c.creds.Token(ctx, models.CarrierFedEx)
	if err != nil {
		return carrier.TrackingResult{}, err
	}

	reqBody := trackRequest{
		IncludeDetailedScans: true,
		TrackingInfo: []trackingInfo{
			{TrackingNumberInfo: trackingNumberInfo{TrackingNumber: trackingNumber}},
		},
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/track/v1/trackingnumbers", bytes.NewReader(b))
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-locale", "en_US")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.TrackingResult{}, carrier.NetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 401 {
		_ = c.creds.Evict(ctx, models.CarrierFedEx)
		return carrier.TrackingResult{}, carrier.AuthFailed("fedex http 401")
	}
	if resp.StatusCode/100 != 2 {
		return carrier.TrackingResult{}, carrier.FromHTTPStatus(resp.StatusCode)
	}

	var rb respBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return carrier.TrackingResult{}, carrier.ParseError("fedex: " + err.Error())
	}
	tr, cerr := rb.validate()
	if cerr != nil {
		return carrier.TrackingResult{}, cerr
	}

	return normalize(tr), nil
}

func normalize(tr *respTrackResult) carrier.TrackingResult {
	st := tr.LatestStatusDetail
	code := st.DerivedCode
	if code == "" {
		code = st.Code
	}

	res := carrier.TrackingResult{
		Status:    statusFromCode(code),
		StatusRaw: st.StatusByLocale,
	}

	// Structured delay indicator or an explicit exception status.
	if st.DelayDetail != nil || code == "DE" {
		res.IsException = true
		res.ExceptionCode = code
		res.ExceptionMessage = st.StatusByLocale
	}

	for _, e := range tr.ScanEvents {
		ev := &models.TrackingEvent{
			EventTime:   parseTime(e.Date),
			Type:        statusFromEventType(e.EventType),
			Description: e.EventDescription,
		}
		loc := e.ScanLocation
		ev.LocationCity = strPtr(loc.City)
		ev.LocationState = strPtr(loc.StateOrProvinceCode)
		ev.LocationZip = strPtr(loc.PostalCode)
		ev.LocationCountry = strPtr(loc.CountryCode)
		res.Events = append(res.Events, ev)
	}
	carrier.SortEventsDesc(res.Events)

	if len(res.Events) > 0 {
		last := res.Events[0]
		res.LastScanAt = &last.EventTime
		res.LastScanLocation = scanLocation(last)
	}

	// Expected date: typed date-list entry first, then the standard
	// transit window end. A carrier re-estimate lands in the estimated
	// window and is reported as the rescheduled date.
	for _, d := range tr.DateAndTimes {
		t := parseTime(d.DateTime)
		if t.IsZero() {
			continue
		}
		switch d.Type {
		case "ESTIMATED_DELIVERY":
			if res.ExpectedDeliveryDate == nil {
				tt := t
				res.ExpectedDeliveryDate = &tt
			}
		case "ACTUAL_DELIVERY":
			if res.DeliveredAt == nil {
				tt := t
				res.DeliveredAt = &tt
			}
		}
	}
	if res.ExpectedDeliveryDate == nil && tr.StandardTransitTimeWindow != nil {
		if t := parseTime(tr.StandardTransitTimeWindow.Window.Ends); !t.IsZero() {
			res.ExpectedDeliveryDate = &t
		}
	}
	if tr.EstimatedDeliveryTimeWindow != nil {
		if t := parseTime(tr.EstimatedDeliveryTimeWindow.Window.Ends); !t.IsZero() {
			res.RescheduledDeliveryDate = &t
		}
	}

	return res
}

func statusFromCode(code string) string {
	switch code {
	case "DL":
		return models.ShipmentStatusDelivered
	case "OD":
		return models.ShipmentStatusOutForDelivery
	case "IT", "DP", "AR", "AF", "PU":
		return models.ShipmentStatusInTransit
	case "OC", "IN":
		return models.ShipmentStatusPreTransit
	case "DE":
		return models.ShipmentStatusException
	case "RS":
		return models.ShipmentStatusReturned
	default:
		return models.ShipmentStatusUnknown
	}
}

func statusFromEventType(eventType string) string {
	switch eventType {
	case "DL":
		return models.ShipmentStatusDelivered
	case "OD":
		return models.ShipmentStatusOutForDelivery
	case "OC":
		return models.ShipmentStatusPreTransit
	case "DE", "DY":
		return models.ShipmentStatusException
	case "RS":
		return models.ShipmentStatusReturned
	default:
		return models.ShipmentStatusInTransit
	}
}

// FedEx timestamps come with an offset ("2024-01-18T16:00:00-05:00") or as
// a bare date.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
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
