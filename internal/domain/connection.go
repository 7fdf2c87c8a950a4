package domain

// ConnectionState is the media connection state reported to callers
type ConnectionState string

const (
	ConnectionInitializing ConnectionState = "INITIALIZING"
	ConnectionConnected    ConnectionState = "CONNECTED"
	ConnectionDisconnected ConnectionState = "DISCONNECTED"
	ConnectionFailed       ConnectionState = "FAILED"
	// ConnectionIdle is reported once the engine has been released
	ConnectionIdle ConnectionState = "IDLE"
)

// Subscription is a live registration on a signaling channel
type Subscription interface {
	// Unsubscribe stops delivery. Calling it more than once is a no-op.
	Unsubscribe() error
}
