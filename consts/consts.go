package consts

import "time"

const (
	DefaultMaxInflightRequests = 1000
	DefaultMaxInflightBytes    = 100 << 20

	DefaultReconnectAttempts   = 3
	DefaultReconnectBackoff    = 100 * time.Millisecond
	DefaultMaxReconnectBackoff = 5 * time.Second

	DefaultTimeout      = 11 * time.Second
	DefaultCloseTimeout = DefaultTimeout

	DefaultBatchRows = 500
	// DefaultMaxRequestSize - предел размера одного AppendRows запроса на стороне сервиса (10MB), оставляем запас под заголовки.
	DefaultMaxRequestSize = 9 << 20

	// NoStreamOffset - смещение в подтверждении отсутствует (default stream).
	NoStreamOffset int64 = -1
)
