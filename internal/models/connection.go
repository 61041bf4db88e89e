package models

// ConnectionState is a point-in-time view of the real-time link.
type ConnectionState struct {
	Connected bool   `json:"connected"`
	Attempts  int    `json:"attempts"`
	Session   uint64 `json:"session"`
}
