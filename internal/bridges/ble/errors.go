package ble

import "errors"

var (
	// ErrInvalidPayload is returned by message handlers for payloads that
	// cannot be decoded.
	ErrInvalidPayload = errors.New("ble: invalid payload")

	// ErrNotConnected is returned when the broker link is down.
	ErrNotConnected = errors.New("ble: not connected to broker")

	// ErrGatewayOffline is returned by Start when the gateway has announced
	// itself offline.
	ErrGatewayOffline = errors.New("ble: gateway offline")

	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("ble: bridge stopped")
)
