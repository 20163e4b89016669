package client

import "time"

// Instance is one managed database instance as the API returns it.
type Instance struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	EngineType    string    `json:"engineType"`
	Version       string    `json:"version"`
	Port          int       `json:"port"`
	Status        string    `json:"status"`
	PID           *int      `json:"pid"`
	ContainerID   string    `json:"containerId"`
	AutoStart     bool      `json:"autoStart"`
	Username      string    `json:"username,omitempty"`
	CredentialRef string    `json:"credentialRef,omitempty"`
	DataPath      string    `json:"dataPath,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Tracked       bool      `json:"tracked"`
	Adopted       bool      `json:"adopted,omitempty"`
}

// AddRequest creates a stopped instance.
type AddRequest struct {
	Name       string `json:"name"`
	EngineType string `json:"engineType"`
	Version    string `json:"version,omitempty"`
	Port       int    `json:"port"`
	AutoStart  bool   `json:"autoStart,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	DataPath   string `json:"dataPath,omitempty"`
}

// UpdateRequest edits a stopped instance. Nil fields are left unchanged.
type UpdateRequest struct {
	Name      *string `json:"name,omitempty"`
	Version   *string `json:"version,omitempty"`
	Port      *int    `json:"port,omitempty"`
	AutoStart *bool   `json:"autoStart,omitempty"`
	Username  *string `json:"username,omitempty"`
	Password  *string `json:"password,omitempty"`
}

type PortOwner struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
}

// PortConflict describes who, if anyone, listens on a port.
type PortConflict struct {
	Port         int        `json:"port"`
	InUse        bool       `json:"inUse"`
	Self         bool       `json:"self,omitempty"`
	External     bool       `json:"external,omitempty"`
	Owner        *PortOwner `json:"owner,omitempty"`
	InstanceID   string     `json:"instanceId,omitempty"`
	InstanceName string     `json:"instanceName,omitempty"`
}

type Orphan struct {
	PID        int    `json:"pid"`
	Name       string `json:"name"`
	InstanceID string `json:"instanceId"`
	Reason     string `json:"reason"`
}

type CleanupReport struct {
	Scanned   int      `json:"scanned"`
	Orphans   []Orphan `json:"orphans"`
	Killed    int      `json:"killed"`
	Failed    int      `json:"failed"`
	Corrected []string `json:"corrected"`
}

type ReconcileResult struct {
	Added      []string `json:"added,omitempty"`
	Removed    []string `json:"removed,omitempty"`
	Adopted    []string `json:"adopted,omitempty"`
	Corrected  []string `json:"corrected,omitempty"`
	Dropped    []string `json:"dropped,omitempty"`
	PIDChanged []string `json:"pidChanged,omitempty"`
}

// AutoStartSummary counts the outcome of an auto-start batch.
type AutoStartSummary struct {
	Total   int `json:"total"`
	Started int `json:"started"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

type DaemonStatus struct {
	PID           int        `json:"pid"`
	Version       string     `json:"version"`
	StartedAt     time.Time  `json:"startedAt"`
	UptimeSeconds int64      `json:"uptimeSeconds"`
	LastCleanup   *time.Time `json:"lastCleanup,omitempty"`
	OrphansKilled int        `json:"orphansKilled"`
}

// HelperHealth is the install state and liveness of the helper daemon.
type HelperHealth struct {
	Installed bool          `json:"installed"`
	Running   bool          `json:"running"`
	Reachable bool          `json:"reachable"`
	LatencyMs int64         `json:"latencyMs"`
	Daemon    *DaemonStatus `json:"daemon,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type HelperState struct {
	Installed bool `json:"installed"`
	Running   bool `json:"running"`
}

// response is the envelope every endpoint replies with.
type response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
