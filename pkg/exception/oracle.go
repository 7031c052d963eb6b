package exception

import "errors"

var (
	ErrOracleClosed      = errors.New("oracle: connection closed")
	ErrOracleBadTime     = errors.New("oracle: unparseable time")
	ErrOracleBadMetadata = errors.New("oracle: unparseable metadata")
)
