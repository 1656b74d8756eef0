// Package phemex speaks the Phemex REST and WebSocket protocols.
package phemex

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Sign computes hex(HMAC-SHA256(secret, path + queryString + expiry)).
// For WebSocket auth the api key takes the place of path and the query is empty.
func Sign(path, queryString string, expiry int64, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(path))
	h.Write([]byte(queryString))
	h.Write([]byte(strconv.FormatInt(expiry, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Expiry returns now + ttl as unix seconds. A fresh value is needed per request.
func Expiry(now time.Time, ttl time.Duration) int64 {
	return now.Add(ttl).Unix()
}
