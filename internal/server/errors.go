package server

import "errors"

var (
	ErrAccessDenied     = errors.New("access denied")
	ErrNotConnected     = errors.New("not connected")
	ErrNotInRoom        = errors.New("connection has not joined room")
	ErrCalleeOffline    = errors.New("callee offline")
	ErrInvalidStatus    = errors.New("invalid status")
	ErrShuttingDown     = errors.New("server shutting down")
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrConnectionGone   = errors.New("connection not registered")
)
