package binance

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"copy-trading-bot/internal/broker"
)

// Binance error codes with a specific classification.
const (
	codeDisconnected      = -1001
	codeTooManyRequests   = -1003
	codeTimeout           = -1007
	codeServiceShutdown   = -1016
	codeBalanceNotEnough  = -2018
	codeMarginInsufficent = -2019
	codeReduceOnlyTrading = -4400
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classify maps a non-200 response to a broker error.
func classify(status int, body []byte, header http.Header, now time.Time) *broker.Error {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err != nil || ae.Msg == "" {
		ae.Msg = string(body)
	}
	e := &broker.Error{Code: ae.Code, Message: ae.Msg}
	if e.Code == 0 {
		e.Code = status
	}

	switch {
	case status == http.StatusTeapot || status == http.StatusForbidden:
		e.Kind = broker.KindTemporarilyBlocked
		e.RetryAfter = retryAfter(header)
		if until, ok := ParseBanUntil(ae.Msg, now); ok {
			e.RetryAfter = until.Sub(now)
		}
	case status == http.StatusTooManyRequests || ae.Code == codeTooManyRequests:
		e.Kind = broker.KindRateLimited
		e.RetryAfter = retryAfter(header)
	case ae.Code == codeMarginInsufficent || ae.Code == codeBalanceNotEnough:
		e.Kind = broker.KindInsufficientFunds
	case ae.Code == codeReduceOnlyTrading:
		e.Kind = broker.KindRejected
		e.ExitOnly = true
	case status >= 500 || ae.Code == codeDisconnected || ae.Code == codeTimeout || ae.Code == codeServiceShutdown:
		e.Kind = broker.KindNetwork
	default:
		e.Kind = broker.KindRejected
	}
	return e
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
