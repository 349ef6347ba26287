// Package payuni is the adapter for the PAYUNi payment gateway. It builds
// sealed payment envelopes for the hosted checkout pages, verifies and decodes
// inbound callbacks, and performs the synchronous query and period-status
// APIs. The adapter is stateless; every instance is safe for concurrent use.
package payuni

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"paybridge/catalog"
	"paybridge/crypto/seal"
	"paybridge/faults"
)

// API versions expected by the gateway per endpoint family.
const (
	versionCheckout = "1.0"
	versionQuery    = "2.0"
)

// Config carries the merchant credentials for one gateway account.
type Config struct {
	MerchantID string
	APIBase    string
	HashKey    string
	HashIV     string
	NotifyURL  string
}

// Client talks to one PAYUNi merchant account.
type Client struct {
	merID     string
	base      string
	notifyURL string
	codec     *seal.Codec
	http      *http.Client

	nowFn func() time.Time
}

// New validates the configuration and returns a ready client.
func New(cfg Config) (*Client, error) {
	merID := strings.TrimSpace(cfg.MerchantID)
	if merID == "" {
		return nil, faults.New(faults.KindBadRequest, "payuni: merchant id is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if base == "" {
		return nil, faults.New(faults.KindBadRequest, "payuni: api base is required")
	}
	codec, err := seal.NewCodec([]byte(cfg.HashKey), []byte(cfg.HashIV))
	if err != nil {
		return nil, faults.Wrap(faults.KindBadRequest, "payuni: hash credentials", err)
	}
	return &Client{
		merID:     merID,
		base:      base,
		notifyURL: strings.TrimSpace(cfg.NotifyURL),
		codec:     codec,
		http:      &http.Client{Timeout: 10 * time.Second},
		nowFn:     time.Now,
	}, nil
}

// MerchantID returns the configured merchant identifier.
func (c *Client) MerchantID() string {
	if c == nil {
		return ""
	}
	return c.merID
}

// PaymentRequest is the form the browser posts to the gateway's hosted page.
type PaymentRequest struct {
	PostURL string            `json:"postUrl"`
	Form    map[string]string `json:"form"`
}

// BuildOneShot seals a one-off checkout envelope for the given trade number
// and product. The caller owns trade-number uniqueness.
func (c *Client) BuildOneShot(tradeNo string, product catalog.Product, email, returnURL string) (*PaymentRequest, error) {
	if c == nil {
		return nil, faults.New(faults.KindBadRequest, "payuni client not configured")
	}
	tradeNo = strings.TrimSpace(tradeNo)
	if tradeNo == "" {
		return nil, faults.New(faults.KindBadRequest, "trade number is required")
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, faults.New(faults.KindBadRequest, "payer email is required")
	}
	fields := []formField{
		{"MerID", c.merID},
		{"MerTradeNo", tradeNo},
		{"TradeAmt", strconv.FormatInt(product.Price, 10)},
		{"Timestamp", strconv.FormatInt(c.nowFn().Unix(), 10)},
		{"UsrMail", email},
		{"ProdDesc", product.Name},
		{"ReturnURL", strings.TrimSpace(returnURL)},
		{"NotifyURL", c.notifyURL},
	}
	return c.sealRequest(c.base+"/upp", versionCheckout, fields)
}

// BuildSubscription seals a recurring-billing authorization envelope. The
// product must carry complete period configuration.
func (c *Client) BuildSubscription(tradeNo string, product catalog.Product, email, returnURL string) (*PaymentRequest, error) {
	if c == nil {
		return nil, faults.New(faults.KindBadRequest, "payuni client not configured")
	}
	tradeNo = strings.TrimSpace(tradeNo)
	if tradeNo == "" {
		return nil, faults.New(faults.KindBadRequest, "trade number is required")
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, faults.New(faults.KindBadRequest, "payer email is required")
	}
	if !product.IsSubscription() {
		return nil, faults.Newf(faults.KindBadProduct, "product %s is not a subscription", product.ID)
	}
	periodCode, err := periodTypeCode(product.PeriodType)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(product.PeriodDate) == "" || product.PeriodTimes <= 0 {
		return nil, faults.Newf(faults.KindBadProduct, "product %s lacks period configuration", product.ID)
	}
	fields := []formField{
		{"MerID", c.merID},
		{"MerTradeNo", tradeNo},
		{"PeriodAmt", strconv.FormatInt(product.Price, 10)},
		{"ProdDesc", product.Name},
		{"PayerEmail", email},
		// PayerFix=3 locks the payer fields on the hosted page.
		{"PayerFix", "3"},
		{"PeriodType", periodCode},
		{"PeriodDate", product.PeriodDate},
		{"PeriodTimes", strconv.Itoa(product.PeriodTimes)},
		{"FType", product.FirstType},
	}
	if product.FirstAmount > 0 {
		fields = append(fields, formField{"FAmt", strconv.FormatInt(product.FirstAmount, 10)})
	}
	fields = append(fields,
		formField{"Timestamp", strconv.FormatInt(c.nowFn().Unix(), 10)},
		formField{"NotifyURL", c.notifyURL},
		formField{"ReturnURL", strings.TrimSpace(returnURL)},
	)
	return c.sealRequest(c.base+"/period", versionCheckout, fields)
}

func (c *Client) sealRequest(postURL, version string, fields []formField) (*PaymentRequest, error) {
	envelope, err := c.codec.Seal(encodeForm(fields))
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "seal checkout envelope", err)
	}
	return &PaymentRequest{
		PostURL: postURL,
		Form: map[string]string{
			"MerID":       c.merID,
			"Version":     version,
			"EncryptInfo": envelope,
			"HashInfo":    c.codec.Hash(envelope),
		},
	}, nil
}

func periodTypeCode(pt catalog.PeriodType) (string, error) {
	switch pt {
	case catalog.PeriodWeek:
		return "W", nil
	case catalog.PeriodMonth:
		return "M", nil
	case catalog.PeriodYear:
		return "Y", nil
	default:
		return "", faults.Newf(faults.KindBadProduct, "unsupported period type %q", pt)
	}
}
