// Package instance defines the persisted database instance record.
package instance

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// EngineType identifies which database engine an instance runs.
type EngineType string

const (
	EnginePostgres EngineType = "postgresql"
	EngineMySQL    EngineType = "mysql"
	EngineMongo    EngineType = "mongodb"
	EngineRedis    EngineType = "redis"
)

// EngineTypes lists every known engine in a stable order.
func EngineTypes() []EngineType {
	return []EngineType{EnginePostgres, EngineMySQL, EngineMongo, EngineRedis}
}

func (e EngineType) Valid() bool {
	for _, t := range EngineTypes() {
		if e == t {
			return true
		}
	}
	return false
}

// Status is the persisted lifecycle state of an instance.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// ShouldRun reports whether the status implies a live OS process.
func (s Status) ShouldRun() bool { return s == StatusStarting || s == StatusRunning }

// Record is one persisted database instance.
type Record struct {
	ID            string     `json:"id" validate:"required"`
	Name          string     `json:"name" validate:"required,max=64,safename"`
	EngineType    EngineType `json:"engineType" validate:"required,engine"`
	Version       string     `json:"version"`
	Port          int        `json:"port" validate:"min=1,max=65535"`
	Status        Status     `json:"status" validate:"required,oneof=stopped starting running error"`
	PID           *int       `json:"pid"`
	ContainerID   string     `json:"containerId"`
	AutoStart     bool       `json:"autoStart"`
	Username      string     `json:"username,omitempty"`
	CredentialRef string     `json:"credentialRef,omitempty"`
	DataPath      string     `json:"dataPath,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// NewSpec carries user input for a new instance.
type NewSpec struct {
	Name       string     `json:"name"`
	EngineType EngineType `json:"engineType"`
	Version    string     `json:"version"`
	Port       int        `json:"port"`
	AutoStart  bool       `json:"autoStart"`
	Username   string     `json:"username,omitempty"`
	Password   string     `json:"password,omitempty"`
	DataPath   string     `json:"dataPath,omitempty"`
}

var ErrInvalid = errors.New("invalid instance")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("safename", func(fl validator.FieldLevel) bool {
		return IsSafeName(fl.Field().String())
	})
	_ = v.RegisterValidation("engine", func(fl validator.FieldLevel) bool {
		return EngineType(fl.Field().String()).Valid()
	})
	return v
}

// New builds a stopped record with a fresh id from spec.
func New(spec NewSpec) (Record, error) {
	now := time.Now().UTC()
	id := uuid.NewString()
	r := Record{
		ID:            id,
		Name:          strings.TrimSpace(spec.Name),
		EngineType:    spec.EngineType,
		Version:       spec.Version,
		Port:          spec.Port,
		Status:        StatusStopped,
		ContainerID:   id,
		AutoStart:     spec.AutoStart,
		Username:      spec.Username,
		CredentialRef: id,
		DataPath:      spec.DataPath,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Validate checks field constraints and the pid/status relationship.
func (r Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if r.DataPath != "" && !filepath.IsAbs(r.DataPath) {
		return fmt.Errorf("%w: dataPath must be absolute", ErrInvalid)
	}
	return nil
}

// PIDValue returns the persisted pid or 0.
func (r Record) PIDValue() int {
	if r.PID == nil {
		return 0
	}
	return *r.PID
}

// DataDir resolves the instance data directory under root.
func (r Record) DataDir(root string) string {
	if r.DataPath != "" {
		return r.DataPath
	}
	cid := r.ContainerID
	if cid == "" {
		cid = r.ID
	}
	return filepath.Join(root, string(r.EngineType), cid)
}

// WithRunning returns a copy marked running with pid.
func (r Record) WithRunning(pid int) Record {
	p := pid
	r.Status = StatusRunning
	r.PID = &p
	return r
}

// WithStopped returns a copy marked stopped with no pid.
func (r Record) WithStopped() Record {
	r.Status = StatusStopped
	r.PID = nil
	return r
}

// IsSafeName allows [A-Za-z0-9._-] without "..".
func IsSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, c := range s {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}

// IntPtr is a helper for building records in callers and tests.
func IntPtr(v int) *int { return &v }
