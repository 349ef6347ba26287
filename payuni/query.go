package payuni

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"paybridge/crypto/seal"
	"paybridge/faults"
)

// TradeInfo is the normalized record of a trade query. TradeSeq carries the
// gateway-assigned sequence regardless of which response field named it.
type TradeInfo struct {
	TradeNo         string
	TradeSeq        string
	StatusCode      int
	StatusText      string
	Amount          int64
	PaymentType     int
	PaymentTypeText string
	PaidAt          string
	IsPaid          bool
	Raw             map[string]string
}

// PeriodInfo is the normalized record of a period query.
type PeriodInfo struct {
	PeriodTradeNo string
	MerTradeNo    string
	Status        string
	PeriodType    string
	Amount        int64
	AuthTimes     int
	FinishedTimes int
	NextAuthDate  string
	Raw           map[string]string
}

// PeriodAction is a period-status mutation accepted by the gateway.
type PeriodAction string

const (
	PeriodSuspend PeriodAction = "suspend"
	PeriodRestart PeriodAction = "restart"
	PeriodEnd     PeriodAction = "end"
	PeriodReauth  PeriodAction = "reauth"
)

func (a PeriodAction) statusCode() (string, error) {
	switch a {
	case PeriodSuspend:
		return "1", nil
	case PeriodRestart:
		return "2", nil
	case PeriodEnd:
		return "3", nil
	case PeriodReauth:
		return "4", nil
	default:
		return "", faults.Newf(faults.KindBadRequest, "unknown period action %q", a)
	}
}

// QueryTrade fetches the authoritative state of a trade from the gateway.
func (c *Client) QueryTrade(ctx context.Context, tradeNo string) (*TradeInfo, error) {
	if c == nil {
		return nil, faults.New(faults.KindBadRequest, "payuni client not configured")
	}
	tradeNo = strings.TrimSpace(tradeNo)
	if tradeNo == "" {
		return nil, faults.New(faults.KindBadRequest, "trade number is required")
	}
	fields := []formField{
		{"MerID", c.merID},
		{"MerTradeNo", tradeNo},
		{"Timestamp", strconv.FormatInt(c.nowFn().Unix(), 10)},
	}
	decoded, err := c.callAPI(ctx, "/trade/query", versionQuery, fields)
	if err != nil {
		return nil, err
	}
	row := resultRow(decoded, 0)
	statusCode := parseIntField(row, "TradeStatus")
	paymentType := parseIntField(row, "PaymentType")
	info := &TradeInfo{
		TradeNo:         firstNonEmpty(row["MerTradeNo"], tradeNo),
		TradeSeq:        firstNonEmpty(row["TradeNo"], row["TradeSeq"]),
		StatusCode:      statusCode,
		StatusText:      TradeStatusText(statusCode),
		Amount:          parseAmount(row["TradeAmt"]),
		PaymentType:     paymentType,
		PaymentTypeText: PaymentTypeText(paymentType),
		PaidAt:          firstNonEmpty(row["PaymentDay"], row["TradeTime"]),
		IsPaid:          IsPaidCode(statusCode),
		Raw:             row,
	}
	return info, nil
}

// QueryPeriod fetches the state of a recurring billing agreement.
func (c *Client) QueryPeriod(ctx context.Context, periodTradeNo string) (*PeriodInfo, error) {
	if c == nil {
		return nil, faults.New(faults.KindBadRequest, "payuni client not configured")
	}
	periodTradeNo = strings.TrimSpace(periodTradeNo)
	if periodTradeNo == "" {
		return nil, faults.New(faults.KindBadRequest, "period trade number is required")
	}
	fields := []formField{
		{"MerID", c.merID},
		{"PeriodTradeNo", periodTradeNo},
		{"Timestamp", strconv.FormatInt(c.nowFn().Unix(), 10)},
	}
	decoded, err := c.callAPI(ctx, "/period/trade/query", versionCheckout, fields)
	if err != nil {
		return nil, err
	}
	row := resultRow(decoded, 0)
	info := &PeriodInfo{
		PeriodTradeNo: firstNonEmpty(row["PeriodTradeNo"], periodTradeNo),
		MerTradeNo:    row["MerTradeNo"],
		Status:        firstNonEmpty(row["PeriodStatus"], row["TradeStatus"]),
		PeriodType:    row["PeriodType"],
		Amount:        parseAmount(firstNonEmpty(row["PeriodAmt"], row["TradeAmt"])),
		AuthTimes:     parseIntField(row, "PeriodTimes"),
		FinishedTimes: parseIntField(row, "FinishTimes"),
		NextAuthDate:  row["NextAuthDate"],
		Raw:           row,
	}
	return info, nil
}

// ModifyPeriodStatus suspends, restarts, ends, or re-authorizes a recurring
// billing agreement.
func (c *Client) ModifyPeriodStatus(ctx context.Context, action PeriodAction, periodTradeNo string) error {
	if c == nil {
		return faults.New(faults.KindBadRequest, "payuni client not configured")
	}
	periodTradeNo = strings.TrimSpace(periodTradeNo)
	if periodTradeNo == "" {
		return faults.New(faults.KindBadRequest, "period trade number is required")
	}
	code, err := action.statusCode()
	if err != nil {
		return err
	}
	fields := []formField{
		{"MerID", c.merID},
		{"PeriodTradeNo", periodTradeNo},
		{"TradeStatus", code},
		{"Timestamp", strconv.FormatInt(c.nowFn().Unix(), 10)},
	}
	_, err = c.callAPI(ctx, "/period/trade/status", versionCheckout, fields)
	return err
}

type apiEnvelope struct {
	MerID       string `json:"MerID"`
	Version     string `json:"Version"`
	Status      string `json:"Status,omitempty"`
	Message     string `json:"Message,omitempty"`
	EncryptInfo string `json:"EncryptInfo"`
	HashInfo    string `json:"HashInfo"`
}

// callAPI seals the request fields, posts the outer JSON envelope, checks the
// outer status, verifies the response signature, and returns the decrypted
// response fields.
func (c *Client) callAPI(ctx context.Context, path, version string, fields []formField) (map[string]string, error) {
	envelope, err := c.codec.Seal(encodeForm(fields))
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "seal api request", err)
	}
	reqBody, err := json.Marshal(apiEnvelope{
		MerID:       c.merID,
		Version:     version,
		EncryptInfo: envelope,
		HashInfo:    c.codec.Hash(envelope),
	})
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "encode api request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "build api request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, faults.Wrap(faults.KindTimeout, fmt.Sprintf("payuni %s", path), err)
		}
		return nil, faults.Wrap(faults.KindRemote, fmt.Sprintf("payuni %s", path), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, faults.Newf(faults.KindRemote, "payuni %s failed: status=%d", path, resp.StatusCode)
	}
	var outer apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&outer); err != nil {
		return nil, faults.Wrap(faults.KindRemote, fmt.Sprintf("decode payuni %s response", path), err)
	}
	if !strings.EqualFold(strings.TrimSpace(outer.Status), "SUCCESS") {
		return nil, faults.Newf(faults.KindRemote, "payuni %s rejected: status=%s message=%s", path, outer.Status, outer.Message)
	}
	if !seal.EqualsCT(c.codec.Hash(outer.EncryptInfo), strings.TrimSpace(outer.HashInfo)) {
		return nil, faults.Newf(faults.KindSignatureMismatch, "payuni %s response hash mismatch", path)
	}
	plaintext, err := c.codec.Open(outer.EncryptInfo)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalidEnvelope, fmt.Sprintf("open payuni %s response", path), err)
	}
	decoded, err := decodeForm(plaintext)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalidEnvelope, fmt.Sprintf("decode payuni %s response", path), err)
	}
	return decoded, nil
}

var resultKeyPattern = regexp.MustCompile(`^Result\[(\d+)\]\[([A-Za-z0-9_]+)\]$`)

// resultRow extracts one row from the gateway's flattened Result[i][field]
// key shape. Keys outside the Result array apply to every row and are kept
// unless the row defines its own value.
func resultRow(decoded map[string]string, index int) map[string]string {
	row := make(map[string]string)
	for key, value := range decoded {
		m := resultKeyPattern.FindStringSubmatch(key)
		if m == nil {
			if _, exists := row[key]; !exists {
				row[key] = value
			}
			continue
		}
		i, err := strconv.Atoi(m[1])
		if err != nil || i != index {
			continue
		}
		row[m[2]] = value
	}
	return row
}

func parseIntField(row map[string]string, key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(row[key]))
	if err != nil {
		return 0
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
