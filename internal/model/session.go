package model

// Session identifies the authenticated user. The core only reads it.
type Session struct {
	UserID    string
	UserName  string
	Role      Role
	AuthToken string
}

// ConnectionState is the state of the single transport connection.
type ConnectionState string

const (
	StateDisconnected    ConnectionState = "disconnected"
	StateConnecting      ConnectionState = "connecting"
	StateConnected       ConnectionState = "connected"
	StateReconnecting    ConnectionState = "reconnecting"
	StateUnauthenticated ConnectionState = "unauthenticated"
)
