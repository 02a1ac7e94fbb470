// Package broker provides broker sessions for placing option legs and reading
// positions. It includes the Angel One SmartAPI REST client, a paper session
// for dry runs, and a circuit breaker wrapper.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/spread_mirror/internal/models"
	"github.com/sirupsen/logrus"
)

// DefaultBaseURL is the SmartAPI production host.
const DefaultBaseURL = "https://apiconnect.angelone.in"

const (
	placeOrderPath   = "/rest/secure/angelbroking/order/v1/placeOrder"
	orderDetailsPath = "/rest/secure/angelbroking/order/v1/details/"
	positionsPath    = "/rest/secure/angelbroking/order/v1/getPosition"
	marginPath       = "/rest/secure/angelbroking/margin/v1/batch"
	rmsPath          = "/rest/secure/angelbroking/user/v1/getRMS"
)

// APIError represents an API error with status code and response body.
// Status is the HTTP status; for a 200 response carrying status=false it is
// 200 and Code holds the broker's error code.
type APIError struct {
	Status int
	Code   string
	Body   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Credentials identify one logged-in account. Token refresh happens outside
// this package; the session uses whatever JWT it was built with.
type Credentials struct {
	APIKey         string
	JWTToken       string
	ClientLocalIP  string
	ClientPublicIP string
	MACAddress     string
}

// SmartAPI is a Session backed by the SmartAPI REST endpoints.
type SmartAPI struct {
	client  *http.Client
	creds   Credentials
	baseURL string
	logger  logrus.FieldLogger
}

// Ensure SmartAPI implements Session at compile time.
var _ Session = (*SmartAPI)(nil)

// NewSmartAPI creates a client. An empty baseURL selects DefaultBaseURL and a
// nil client gets a 10s timeout.
func NewSmartAPI(creds Credentials, baseURL string, client *http.Client, logger logrus.FieldLogger) *SmartAPI {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &SmartAPI{
		client:  client,
		creds:   creds,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// WithTimeout sets the HTTP client timeout duration.
func (s *SmartAPI) WithTimeout(timeout time.Duration) *SmartAPI {
	if timeout > 0 && s.client != nil {
		s.client.Timeout = timeout
	}
	return s
}

// ============ API Response Structures ============

// envelope is the wrapper every SmartAPI response uses.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// flexFloat decodes numbers that the API sends either as JSON numbers or as
// strings ("-50", "21500.000000", "").
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parsing numeric string %q: %w", s, err)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// singleOrArray handles "data": null, a single object, or an array.
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

type placeOrderRequest struct {
	Variety         string `json:"variety"`
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken"`
	TransactionType string `json:"transactiontype"`
	Exchange        string `json:"exchange"`
	OrderType       string `json:"ordertype"`
	ProductType     string `json:"producttype"`
	Duration        string `json:"duration"`
	Quantity        string `json:"quantity"`
	Price           string `json:"price"`
	OrderTag        string `json:"ordertag,omitempty"`
}

type placeOrderData struct {
	Script        string `json:"script"`
	OrderID       string `json:"orderid"`
	UniqueOrderID string `json:"uniqueorderid"`
}

// OrderDetails is the subset of the individual order response the engine uses.
type OrderDetails struct {
	UniqueOrderID  string    `json:"uniqueorderid"`
	OrderID        string    `json:"orderid"`
	OrderStatus    string    `json:"orderstatus"`
	Status         string    `json:"status"`
	Text           string    `json:"text"`
	TradingSymbol  string    `json:"tradingsymbol"`
	FilledShares   flexFloat `json:"filledshares"`
	UnfilledShares flexFloat `json:"unfilledshares"`
}

// CurrentStatus prefers orderstatus and falls back to status.
func (d *OrderDetails) CurrentStatus() string {
	if d.OrderStatus != "" {
		return d.OrderStatus
	}
	return d.Status
}

// PositionItem is one row of the net position book.
type PositionItem struct {
	Exchange       string    `json:"exchange"`
	SymbolToken    string    `json:"symboltoken"`
	SymbolName     string    `json:"symbolname"`
	TradingSymbol  string    `json:"tradingsymbol"`
	InstrumentType string    `json:"instrumenttype"`
	StrikePrice    flexFloat `json:"strikeprice"`
	OptionType     string    `json:"optiontype"`
	ExpiryDate     string    `json:"expirydate"`
	NetQty         flexFloat `json:"netqty"`
	LotSize        flexFloat `json:"lotsize"`
	Realised       flexFloat `json:"realised"`
	Unrealised     flexFloat `json:"unrealised"`
}

// NewPositionItem builds an option position row.
func NewPositionItem(symbolName, tradingSymbol string, strike int, optionType string, netQty, lotSize int) PositionItem {
	return PositionItem{
		Exchange:       models.ExchangeNFO,
		SymbolName:     symbolName,
		TradingSymbol:  tradingSymbol,
		InstrumentType: "OPTIDX",
		StrikePrice:    flexFloat(strike),
		OptionType:     optionType,
		NetQty:         flexFloat(netQty),
		LotSize:        flexFloat(lotSize),
	}
}

// WithPnL returns a copy carrying realised and unrealised profit.
func (p PositionItem) WithPnL(realised, unrealised float64) PositionItem {
	p.Realised = flexFloat(realised)
	p.Unrealised = flexFloat(unrealised)
	return p
}

// Strike returns the integer strike.
func (p PositionItem) Strike() int { return int(p.StrikePrice) }

// Quantity returns the signed net quantity.
func (p PositionItem) Quantity() int { return int(p.NetQty) }

// Lots returns the lot size.
func (p PositionItem) Lots() int { return int(p.LotSize) }

// PnL returns realised and unrealised profit.
func (p PositionItem) PnL() (realised, unrealised float64) {
	return float64(p.Realised), float64(p.Unrealised)
}

type marginPosition struct {
	Exchange    string  `json:"exchange"`
	Qty         int     `json:"qty"`
	Price       float64 `json:"price"`
	ProductType string  `json:"productType"`
	Token       string  `json:"token"`
	TradeType   string  `json:"tradeType"`
	OrderType   string  `json:"orderType"`
}

type marginRequest struct {
	Positions []marginPosition `json:"positions"`
}

type marginData struct {
	TotalMarginRequired flexFloat `json:"totalMarginRequired"`
}

type rmsData struct {
	Net           flexFloat `json:"net"`
	AvailableCash flexFloat `json:"availablecash"`
}

// ============ Session methods ============

// SubmitOrder places a market leg. A successful call with no unique order id
// is a refusal and yields an empty reference.
func (s *SmartAPI) SubmitOrder(ctx context.Context, leg models.OrderLeg) (string, error) {
	if err := leg.Validate(); err != nil {
		return "", err
	}
	if leg.Tag == "" {
		leg = leg.WithTag(models.NewOrderTag())
	}
	req := placeOrderRequest{
		Variety:         leg.Variety,
		TradingSymbol:   leg.Symbol,
		SymbolToken:     leg.Token,
		TransactionType: string(leg.Side),
		Exchange:        leg.Exchange,
		OrderType:       leg.OrderType,
		ProductType:     leg.Product,
		Duration:        leg.Duration,
		Quantity:        strconv.Itoa(leg.Quantity),
		Price:           "0",
		OrderTag:        leg.Tag,
	}

	var data *placeOrderData
	if err := s.makeRequestCtx(ctx, http.MethodPost, placeOrderPath, req, &data); err != nil {
		return "", err
	}
	if data == nil || data.UniqueOrderID == "" {
		s.logger.WithField("symbol", leg.Symbol).Warn("order accepted without unique order id")
		return "", nil
	}
	return data.UniqueOrderID, nil
}

// GetOrderStatus fetches one order by its unique order id.
func (s *SmartAPI) GetOrderStatus(ctx context.Context, orderRef string) (*OrderDetails, error) {
	if orderRef == "" {
		return nil, fmt.Errorf("empty order reference")
	}
	var details *OrderDetails
	if err := s.makeRequestCtx(ctx, http.MethodGet, orderDetailsPath+orderRef, nil, &details); err != nil {
		return nil, err
	}
	if details == nil {
		return nil, fmt.Errorf("order %s: %w: empty order details", orderRef, ErrTransient)
	}
	return details, nil
}

// GetPositions returns the net position book; an empty book is nil, not an error.
func (s *SmartAPI) GetPositions(ctx context.Context) ([]PositionItem, error) {
	var rows singleOrArray[PositionItem]
	if err := s.makeRequestCtx(ctx, http.MethodGet, positionsPath, nil, &rows); err != nil {
		return nil, err
	}
	return []PositionItem(rows), nil
}

// GetMargin asks the broker for the combined margin of legs.
func (s *SmartAPI) GetMargin(ctx context.Context, legs []models.OrderLeg) (float64, error) {
	req := marginRequest{Positions: make([]marginPosition, 0, len(legs))}
	for _, leg := range legs {
		req.Positions = append(req.Positions, marginPosition{
			Exchange:    leg.Exchange,
			Qty:         leg.Quantity,
			Price:       0,
			ProductType: leg.Product,
			Token:       leg.Token,
			TradeType:   string(leg.Side),
			OrderType:   leg.OrderType,
		})
	}
	var data *marginData
	if err := s.makeRequestCtx(ctx, http.MethodPost, marginPath, req, &data); err != nil {
		return 0, err
	}
	if data == nil {
		return 0, fmt.Errorf("margin: %w: empty response", ErrTransient)
	}
	return float64(data.TotalMarginRequired), nil
}

// GetAvailableCash reads the RMS limits.
func (s *SmartAPI) GetAvailableCash(ctx context.Context) (float64, error) {
	var data *rmsData
	if err := s.makeRequestCtx(ctx, http.MethodGet, rmsPath, nil, &data); err != nil {
		return 0, err
	}
	if data == nil {
		return 0, fmt.Errorf("rms: %w: empty response", ErrTransient)
	}
	return float64(data.AvailableCash), nil
}

// makeRequestCtx sends body as JSON, unwraps the envelope and decodes data
// into out. A status=false envelope becomes an *APIError with Status 200.
func (s *SmartAPI) makeRequestCtx(ctx context.Context, method, path string, body, out interface{}) error {
	endpoint := s.baseURL + path

	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.creds.JWTToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", s.creds.ClientLocalIP)
	req.Header.Set("X-ClientPublicIP", s.creds.ClientPublicIP)
	req.Header.Set("X-MACAddress", s.creds.MACAddress)
	req.Header.Set("X-PrivateKey", s.creds.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.WithError(err).Debug("failed to close response body")
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: %w: reading body: %v", method, path, ErrTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(raw)
		if len(msg) > 64<<10 {
			msg = msg[:64<<10]
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			msg = fmt.Sprintf("%s (retry-after: %s)", msg, ra)
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, path, msg)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Gateways occasionally answer 200 with an HTML error page.
		return fmt.Errorf("%s %s: %w: decoding envelope: %v", method, path, ErrTransient, err)
	}
	if !env.Status {
		return &APIError{Status: resp.StatusCode, Code: env.ErrorCode, Body: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s %s: decoding data: %w", method, path, err)
	}
	return nil
}
