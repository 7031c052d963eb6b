package exception

import "errors"

var (
	ErrEmptyDSN = errors.New("journal: empty postgres dsn")
)
