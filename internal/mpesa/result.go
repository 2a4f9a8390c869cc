package mpesa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	ResultSuccess           = 0
	ResultInsufficientFunds = 1
	ResultPINExpired        = 1019
	ResultCancelledByUser   = 1032
	ResultTimeout           = 1037
	ResultWrongPIN          = 2001
	ResultPINBlocked        = 8006
)

var resultReasons = map[int]string{
	ResultInsufficientFunds: "Insufficient funds in M-Pesa account",
	ResultPINExpired:        "Transaction expired before the PIN was entered",
	ResultCancelledByUser:   "Transaction was cancelled by user",
	ResultTimeout:           "Phone could not be reached or request timed out",
	ResultWrongPIN:          "Wrong M-Pesa PIN entered",
	ResultPINBlocked:        "M-Pesa PIN is blocked",
}

// DescribeResult turns a gateway result code into a message for the payer.
func DescribeResult(code int, desc string) string {
	if code == ResultSuccess {
		return "M-Pesa payment was successful."
	}
	if reason, ok := resultReasons[code]; ok {
		return reason
	}
	return fmt.Sprintf("M-Pesa payment failed. Reason: %s (Code: %d)", desc, code)
}

// ResultCode decodes the gateway's result codes, which arrive as JSON numbers
// in callbacks and as strings in query responses.
type ResultCode int

func (c *ResultCode) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}

	s := strings.Trim(string(b), `"`)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("ResultCode: %q is not a number", s)
	}
	*c = ResultCode(n)
	return nil
}

func (c ResultCode) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(c))
}
