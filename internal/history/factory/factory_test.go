package factory

import (
	"path/filepath"
	"testing"

	"github.com/loykin/dbhelm/internal/history/clickhouse"
)

func TestFactoryDSNTypes(t *testing.T) {
	tests := []struct {
		name        string
		dsn         string
		expectError bool
	}{
		{"Empty DSN", "", true},
		{"Invalid scheme", "invalid://test", true},
		{"SQLite file DSN", "sqlite://" + filepath.Join(t.TempDir(), "h.db"), false},
		{"SQLite memory DSN", "sqlite://:memory:", false},
		{"SQLite bare path", filepath.Join(t.TempDir(), "bare.db"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error for DSN %q, got nil", tt.dsn)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for DSN %q: %v", tt.dsn, err)
			}
			if sink == nil {
				t.Fatalf("expected non-nil sink for DSN %q", tt.dsn)
			}
			if closer, ok := sink.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
		})
	}
}

func TestClickHouseOptions(t *testing.T) {
	tests := []struct {
		dsn  string
		want clickhouse.Options
	}{
		{"clickhouse://localhost:9000?table=events", clickhouse.Options{Addr: "localhost:9000", Table: "events"}},
		{"clickhouse://ch.local", clickhouse.Options{Addr: "ch.local:9000"}},
		{"clickhouse://", clickhouse.Options{Addr: "localhost:9000"}},
		{"clickhouse://u:p@db:9440/metrics?table=h", clickhouse.Options{Addr: "db:9440", Database: "metrics", Username: "u", Password: "p", Table: "h"}},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			got, err := clickHouseOptions(tt.dsn)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
