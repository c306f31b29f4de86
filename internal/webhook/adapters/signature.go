package adapters

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/prepflow/billinghooks/internal/webhook/domain"
)

// verifyHMAC checks a hex HMAC-SHA256 over "{timestamp}.{rawBody}".
func verifyHMAC(secret, timestamp string, rawBody []byte, gotHex string) error {
	if secret == "" || gotHex == "" {
		return domain.ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimSpace(gotHex))
	if err != nil {
		return domain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(rawBody)

	if !hmac.Equal(got, mac.Sum(nil)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

func parseUnixSeconds(value string) (int64, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || ts <= 0 {
		return 0, domain.ErrStaleTimestamp
	}
	return ts, nil
}
