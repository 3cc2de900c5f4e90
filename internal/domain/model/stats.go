package model

// HealthStatus is what the readiness probe reports to the external
// dashboard. BusConnectivity is false while the publish breaker is open.
type HealthStatus struct {
	Status               string `json:"status"`
	LocalConnectionCount int    `json:"local_connection_count"`
	BusConnectivity      bool   `json:"bus_connectivity"`
}

// HubStats is a point-in-time snapshot of the local connection registry.
type HubStats struct {
	TotalIdentities  int `json:"total_identities"`
	TotalConnections int `json:"total_connections"`
}

// RoomStats is a point-in-time snapshot of the local membership index.
type RoomStats struct {
	Rooms       int `json:"rooms"`
	Memberships int `json:"memberships"`
}
