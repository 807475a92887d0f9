package exception

import "github.com/yanun0323/errors"

var (
	ErrConnectionClose = errors.New("connection closed")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidConfig   = errors.New("invalid config")
	ErrEmptyDSN        = errors.New("connection: empty dsn")
	ErrUnknownDriver   = errors.New("connection: unknown driver")
)
