package mpesa

import (
	"encoding/base64"
	"time"
)

const timestampLayout = "20060102150405"

var eastAfrica = time.FixedZone("EAT", 3*60*60)

// Timestamp formats t in East Africa Time as YYYYMMDDHHmmss.
func Timestamp(t time.Time) string {
	return t.In(eastAfrica).Format(timestampLayout)
}

// Password is base64(shortCode + passkey + timestamp). The same timestamp must
// be sent alongside it in the request body.
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}
