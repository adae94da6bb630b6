package model

// MachineHealth is the status a machine advertises to its peers
type MachineHealth struct {
	MachineID MachineID       `json:"machine_id"`
	Location  MachineLocation `json:"location"`
	Role      Role            `json:"role"`
	Status    NodeStatus      `json:"status"`
	Timestamp int64           `json:"timestamp"`
}

// NodeStatus defines the operational status of a machine
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)
