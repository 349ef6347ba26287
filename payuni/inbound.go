package payuni

import (
	"net/url"
	"strconv"
	"strings"

	"paybridge/crypto/seal"
	"paybridge/faults"
)

// Callback is the outer form the gateway posts to the webhook and return
// endpoints. The Status field is advisory only; handlers must trust nothing
// before VerifyInbound passes.
type Callback struct {
	MerID       string
	Status      string
	EncryptInfo string
	HashInfo    string
}

// CallbackFromValues extracts the outer callback fields from a parsed form.
func CallbackFromValues(v url.Values) Callback {
	return Callback{
		MerID:       strings.TrimSpace(v.Get("MerID")),
		Status:      strings.TrimSpace(v.Get("Status")),
		EncryptInfo: strings.TrimSpace(v.Get("EncryptInfo")),
		HashInfo:    strings.TrimSpace(v.Get("HashInfo")),
	}
}

// VerifyInbound recomputes the envelope hash and compares it to the supplied
// one in constant time.
func (c *Client) VerifyInbound(envelope, hash string) bool {
	if c == nil {
		return false
	}
	envelope = strings.TrimSpace(envelope)
	hash = strings.TrimSpace(hash)
	if envelope == "" || hash == "" {
		return false
	}
	return seal.EqualsCT(c.codec.Hash(envelope), hash)
}

// Notification is a decrypted callback payload. Fields retains every decoded
// key for auditing; the typed fields cover what the processor consumes.
type Notification struct {
	MerTradeNo    string
	TradeNo       string
	Status        string
	TradeAmt      int64
	PeriodAmt     int64
	PeriodTradeNo string
	PaymentType   string
	PaymentDay    string
	Fields        map[string]string
}

// Amount returns the charged amount of this callback: the one-shot trade
// amount when present, otherwise the period cycle amount.
func (n *Notification) Amount() int64 {
	if n == nil {
		return 0
	}
	if n.TradeAmt > 0 {
		return n.TradeAmt
	}
	return n.PeriodAmt
}

// IsPeriod reports whether the callback belongs to a recurring billing cycle.
func (n *Notification) IsPeriod() bool {
	if n == nil {
		return false
	}
	return n.PeriodAmt > 0 || n.PeriodTradeNo != ""
}

// ParseInbound opens a verified envelope and decodes the notification fields.
func (c *Client) ParseInbound(envelope string) (*Notification, error) {
	if c == nil {
		return nil, faults.New(faults.KindBadRequest, "payuni client not configured")
	}
	plaintext, err := c.codec.Open(envelope)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalidEnvelope, "open callback envelope", err)
	}
	fields, err := decodeForm(plaintext)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalidEnvelope, "decode callback payload", err)
	}
	return &Notification{
		MerTradeNo:    fields["MerTradeNo"],
		TradeNo:       fields["TradeNo"],
		Status:        fields["Status"],
		TradeAmt:      parseAmount(fields["TradeAmt"]),
		PeriodAmt:     parseAmount(fields["PeriodAmt"]),
		PeriodTradeNo: fields["PeriodTradeNo"],
		PaymentType:   fields["PaymentType"],
		PaymentDay:    fields["PaymentDay"],
		Fields:        fields,
	}, nil
}

// parseAmount reads a gateway amount field. The gateway sends whole minor
// units but some endpoints append a decimal fraction.
func parseAmount(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		raw = raw[:i]
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
