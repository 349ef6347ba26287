package payuni

import "fmt"

// Trade status codes returned by the gateway.
const (
	StatusObtained  = 0 // 取號成功
	StatusPaid      = 1 // 已付款
	StatusFailed    = 2 // 付款失敗
	StatusCancelled = 3 // 付款取消
	StatusExpired   = 4 // 交易逾期
	StatusPending   = 8 // 訂單待確認
	StatusUnpaid    = 9 // 未付款
)

var tradeStatusText = map[int]string{
	StatusObtained:  "取號成功",
	StatusPaid:      "已付款",
	StatusFailed:    "付款失敗",
	StatusCancelled: "付款取消",
	StatusExpired:   "交易逾期",
	StatusPending:   "訂單待確認",
	StatusUnpaid:    "未付款",
}

// TradeStatusText maps a gateway trade status code to its display text.
func TradeStatusText(code int) string {
	if text, ok := tradeStatusText[code]; ok {
		return text
	}
	return fmt.Sprintf("未知狀態(%d)", code)
}

// IsPaidCode reports whether a trade status code means the payment settled.
func IsPaidCode(code int) bool {
	return code == StatusPaid
}

var paymentTypeText = map[int]string{
	1:  "信用卡",
	2:  "ATM",
	3:  "超商代碼",
	5:  "貨到付款",
	6:  "ICash",
	7:  "Aftee",
	9:  "LinePay",
	10: "宅配到付",
	11: "街口",
}

// PaymentTypeText maps a gateway payment type code to its display text.
func PaymentTypeText(code int) string {
	if text, ok := paymentTypeText[code]; ok {
		return text
	}
	return "其他"
}
