package exception

import "errors"

var (
	ErrExchangeRequest  = errors.New("exchange: request failed")
	ErrExchangeResponse = errors.New("exchange: error response")
	ErrNoLastPrice      = errors.New("exchange: no last price observed")
	ErrMissingListenKey = errors.New("exchange: missing listen key")
)
