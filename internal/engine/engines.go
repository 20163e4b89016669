package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/loykin/dbhelm/internal/execx"
	"github.com/loykin/dbhelm/internal/instance"
)

const loopback = "127.0.0.1"

// Postgres runs initdb on first start and postgres afterwards.
type Postgres struct{}

func (Postgres) Type() instance.EngineType { return instance.EnginePostgres }
func (Postgres) Binary() string            { return "postgres" }
func (Postgres) Listens() bool             { return true }

func (Postgres) Prepare(ctx context.Context, cfg Config, ex execx.Executor) error {
	user := cfg.Username
	if user == "" {
		user = "postgres"
	}
	args := []string{"-D", cfg.DataDir, "-U", user, "--encoding=UTF8"}
	if cfg.Password != "" {
		pw := filepath.Join(cfg.DataDir, ".pwfile")
		if err := os.WriteFile(pw, []byte(cfg.Password+"\n"), 0o600); err != nil {
			return err
		}
		defer func() { _ = os.Remove(pw) }()
		args = append(args, "--pwfile="+pw, "--auth=scram-sha-256")
	} else {
		args = append(args, "--auth=trust")
	}
	_, err := ex.Run(ctx, execx.Cmd{Name: cfg.Bin("initdb"), Args: args})
	return err
}

func (Postgres) Command(cfg Config) []string {
	return []string{
		cfg.Bin("postgres"),
		"-D", cfg.DataDir,
		"-p", strconv.Itoa(cfg.Port),
		"-k", cfg.DataDir,
		"-c", "listen_addresses=" + loopback,
	}
}

func (Postgres) Env(cfg Config) []string {
	return []string{"PGDATA=" + cfg.DataDir, "PGPORT=" + strconv.Itoa(cfg.Port)}
}

// MySQL initialises with --initialize-insecure and then runs mysqld.
type MySQL struct{}

func (MySQL) Type() instance.EngineType { return instance.EngineMySQL }
func (MySQL) Binary() string            { return "mysqld" }
func (MySQL) Listens() bool             { return true }

func (MySQL) Prepare(ctx context.Context, cfg Config, ex execx.Executor) error {
	_, err := ex.Run(ctx, execx.Cmd{
		Name: cfg.Bin("mysqld"),
		Args: []string{"--initialize-insecure", "--datadir=" + cfg.DataDir},
	})
	return err
}

func (MySQL) Command(cfg Config) []string {
	return []string{
		cfg.Bin("mysqld"),
		"--datadir=" + cfg.DataDir,
		"--port=" + strconv.Itoa(cfg.Port),
		"--bind-address=" + loopback,
		"--socket=" + filepath.Join(cfg.DataDir, "mysql.sock"),
		"--mysqlx=OFF",
	}
}

func (MySQL) Env(cfg Config) []string { return []string{"MYSQL_TCP_PORT=" + strconv.Itoa(cfg.Port)} }

// Mongo needs no initialisation beyond an empty dbpath.
type Mongo struct{}

func (Mongo) Type() instance.EngineType { return instance.EngineMongo }
func (Mongo) Binary() string            { return "mongod" }
func (Mongo) Listens() bool             { return true }

func (Mongo) Prepare(context.Context, Config, execx.Executor) error { return nil }

func (Mongo) Command(cfg Config) []string {
	return []string{
		cfg.Bin("mongod"),
		"--dbpath", cfg.DataDir,
		"--port", strconv.Itoa(cfg.Port),
		"--bind_ip", loopback,
	}
}

func (Mongo) Env(Config) []string { return nil }

// Redis writes a minimal config on first run.
type Redis struct{}

func (Redis) Type() instance.EngineType { return instance.EngineRedis }
func (Redis) Binary() string            { return "redis-server" }
func (Redis) Listens() bool             { return true }

func (Redis) Prepare(_ context.Context, cfg Config, _ execx.Executor) error {
	conf := fmt.Sprintf("dir %s\nappendonly yes\n", cfg.DataDir)
	if cfg.Password != "" {
		conf += "requirepass " + cfg.Password + "\n"
	}
	return os.WriteFile(filepath.Join(cfg.DataDir, "redis.conf"), []byte(conf), 0o600)
}

func (Redis) Command(cfg Config) []string {
	return []string{
		cfg.Bin("redis-server"),
		filepath.Join(cfg.DataDir, "redis.conf"),
		"--port", strconv.Itoa(cfg.Port),
		"--bind", loopback,
		"--daemonize", "no",
	}
}

func (Redis) Env(Config) []string { return nil }

// Static runs a fixed argv with no preparation. It stands in for an engine
// type when the binary is a wrapper script, and in tests.
type Static struct {
	EngineType instance.EngineType
	Argv       []string
	ListensTCP bool
}

func (s Static) Type() instance.EngineType { return s.EngineType }

func (s Static) Binary() string {
	if len(s.Argv) == 0 {
		return ""
	}
	return filepath.Base(s.Argv[0])
}

func (s Static) Listens() bool { return s.ListensTCP }

func (Static) Prepare(context.Context, Config, execx.Executor) error { return nil }

func (s Static) Command(Config) []string { return append([]string(nil), s.Argv...) }

func (Static) Env(cfg Config) []string { return []string{"DBHELM_PORT=" + strconv.Itoa(cfg.Port)} }
