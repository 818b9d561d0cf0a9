package usps

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/parcelbeat/ParcelBeat/internal/integrations/carrier"
	"github.com/parcelbeat/ParcelBeat/internal/models"
	"github.com/pkg/errors"
)

// Client speaks the USPS Web Tools TrackV2 API. Auth is a static USERID
// embedded in the request XML, no token exchange.
type Client struct {
	baseURL string
	userID  string
	httpc   *http.Client
}

func New(baseURL, userID string) *Client {
	if baseURL == "" {
		baseURL = "https://secure.shippingapis.com"
	}
	return &Client{
		baseURL: baseURL,
		userID:  userID,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) TrackingURL(trackingNumber string) string {
	return "https://tools.usps.com/go/TrackConfirmAction?tLabels=" + url.QueryEscape(trackingNumber)
}

type trackEvent struct {
	Event        string `xml:"Event"`
	EventDate    string `xml:"EventDate"` // "May 11, 2024"
	EventTime    string `xml:"EventTime"` // "10:54 am"
	EventCity    string `xml:"EventCity"`
	EventState   string `xml:"EventState"`
	EventZIPCode string `xml:"EventZIPCode"`
	EventCountry string `xml:"EventCountry"`
	EventCode    string `xml:"EventCode"`
}

type trackInfo struct {
	ID             string `xml:"ID,attr"`
	StatusCategory string `xml:"StatusCategory"`
	Status         string `xml:"Status"`

	ExpectedDeliveryDate  string `xml:"ExpectedDeliveryDate"`
	PredictedDeliveryDate string `xml:"PredictedDeliveryDate"`

	Summary *trackEvent  `xml:"TrackSummary"`
	Details []trackEvent `xml:"TrackDetail"`

	Error *struct {
		Description string `xml:"Description"`
	} `xml:"Error"`
}

type trackResponse struct {
	XMLName   xml.Name   `xml:"TrackResponse"`
	TrackInfo *trackInfo `xml:"TrackInfo"`
}

// apiError is the root element Web Tools answers with on request-level
// failures (bad USERID, malformed XML).
type apiError struct {
	XMLName     xml.Name `xml:"Error"`
	Number      string   `xml:"Number"`
	Description string   `xml:"Description"`
}

func (e *apiError) classify() *carrier.Error {
	msg := strings.ToLower(e.Description)
	if strings.Contains(msg, "authorization") || strings.Contains(msg, "username") {
		return carrier.AuthFailed("usps: " + e.Description)
	}
	return carrier.NewError(carrier.CodeAPIError, "usps: "+e.Description, false)
}

func (r *trackResponse) validate() (*trackInfo, *carrier.Error) {
	if r.TrackInfo == nil {
		return nil, carrier.ParseError("usps: missing TrackInfo")
	}
	if r.TrackInfo.Error != nil {
		// "A status update is not yet available" / "could not locate".
		return nil, carrier.NotFound("usps: " + r.TrackInfo.Error.Description)
	}
	if r.TrackInfo.Summary == nil {
		return nil, carrier.ParseError("usps: missing TrackSummary")
	}
	return r.TrackInfo, nil
}

func (c *Client) Track(ctx context.Context, trackingNumber string) (carrier.TrackingResult, error) {
	reqXML := fmt.Sprintf(
		`<TrackFieldRequest USERID="%s"><Revision>1</Revision><ClientIp>127.0.0.1</ClientIp><SourceId>parcelbeat</SourceId><TrackID ID="%s"/></TrackFieldRequest>`,
		xmlEscape(c.userID), xmlEscape(trackingNumber))

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/ShippingAPI.dll"
	q := u.Query()
	q.Set("API", "TrackV2")
	q.Set("XML", reqXML)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.TrackingResult{}, carrier.NetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return carrier.TrackingResult{}, carrier.FromHTTPStatus(resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return carrier.TrackingResult{}, carrier.NetworkError(err)
	}

	var r trackResponse
	if err := xml.Unmarshal(body, &r); err != nil {
		var apiErr apiError
		if xml.Unmarshal(body, &apiErr) == nil {
			return carrier.TrackingResult{}, apiErr.classify()
		}
		return carrier.TrackingResult{}, carrier.ParseError("usps: " + err.Error())
	}
	info, cerr := r.validate()
	if cerr != nil {
		return carrier.TrackingResult{}, cerr
	}

	return normalize(info), nil
}

// Exception event codes: notice left, undeliverable, return to sender,
// dead mail and similar terminal problems.
var exceptionCodes = map[string]bool{
	"02": true, "04": true, "05": true,
	"21": true, "22": true, "23": true, "24": true, "25": true,
	"29": true, "31": true, "53": true, "54": true, "55": true,
	"56": true, "57": true,
}

var exceptionKeywords = []string{
	"alert", "return to sender", "undeliverable", "dead mail", "seized",
}

func normalize(info *trackInfo) carrier.TrackingResult {
	res := carrier.TrackingResult{
		Status:    statusFrom(info),
		StatusRaw: info.Summary.Event,
	}

	all := append([]trackEvent{*info.Summary}, info.Details...)
	for i := range all {
		e := all[i]
		ev := &models.TrackingEvent{
			EventTime:   parseEventTime(e.EventDate, e.EventTime),
			Type:        eventType(e),
			Description: e.Event,
		}
		ev.LocationCity = strPtr(e.EventCity)
		ev.LocationState = strPtr(e.EventState)
		ev.LocationZip = strPtr(e.EventZIPCode)
		ev.LocationCountry = strPtr(e.EventCountry)
		res.Events = append(res.Events, ev)
	}
	carrier.SortEventsDesc(res.Events)

	if len(res.Events) > 0 {
		last := res.Events[0]
		res.LastScanAt = &last.EventTime
		res.LastScanLocation = scanLocation(last)
	}

	if isException(*info.Summary) {
		res.IsException = true
		res.ExceptionCode = info.Summary.EventCode
		res.ExceptionMessage = info.Summary.Event
	}

	if res.Status == models.ShipmentStatusDelivered {
		t := parseEventTime(info.Summary.EventDate, info.Summary.EventTime)
		if !t.IsZero() {
			res.DeliveredAt = &t
		}
	}

	// Date fallbacks: ExpectedDeliveryDate, else PredictedDeliveryDate.
	for _, d := range []string{info.ExpectedDeliveryDate, info.PredictedDeliveryDate} {
		if t := parseDate(d); !t.IsZero() {
			res.ExpectedDeliveryDate = &t
			break
		}
	}

	return res
}

func statusFrom(info *trackInfo) string {
	switch strings.ToLower(info.StatusCategory) {
	case "delivered":
		return models.ShipmentStatusDelivered
	case "out for delivery":
		return models.ShipmentStatusOutForDelivery
	case "pre-shipment":
		return models.ShipmentStatusPreTransit
	case "alert":
		return models.ShipmentStatusException
	case "in transit", "accepted", "arriving on time", "delivery attempt":
		return models.ShipmentStatusInTransit
	}
	if info.Summary != nil {
		return eventType(*info.Summary)
	}
	return models.ShipmentStatusUnknown
}

func eventType(e trackEvent) string {
	if e.EventCode == "01" {
		return models.ShipmentStatusDelivered
	}
	if isException(e) {
		return models.ShipmentStatusException
	}
	low := strings.ToLower(e.Event)
	switch {
	case strings.Contains(low, "delivered"):
		return models.ShipmentStatusDelivered
	case strings.Contains(low, "out for delivery"):
		return models.ShipmentStatusOutForDelivery
	case strings.Contains(low, "pre-shipment"), strings.Contains(low, "label created"),
		strings.Contains(low, "shipping label"):
		return models.ShipmentStatusPreTransit
	default:
		return models.ShipmentStatusInTransit
	}
}

func isException(e trackEvent) bool {
	if exceptionCodes[e.EventCode] {
		return true
	}
	low := strings.ToLower(e.Event)
	for _, kw := range exceptionKeywords {
		if strings.Contains(low, kw) {
			return true
		}
	}
	return false
}

// "May 11, 2024" + "10:54 am".
func parseEventTime(date, tm string) time.Time {
	if date == "" {
		return time.Time{}
	}
	if tm == "" {
		if t, err := time.ParseInLocation("January 2, 2006", date, time.UTC); err == nil {
			return t
		}
		return time.Time{}
	}
	t, err := time.ParseInLocation("January 2, 2006 3:04 pm", date+" "+tm, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{"January 2, 2006", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
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
