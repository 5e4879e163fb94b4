// Package registry implements the persistent local agent registry backed
// by SQLite. The database file is shared across server processes and SDK
// processes on the same host; all writes go through one Service and are
// serialized.
package registry

import (
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/runagent-dev/runagent-go/pkg/constants"
	"github.com/runagent-dev/runagent-go/pkg/types"
)

// Agent statuses. Capacity and address uniqueness are enforced over every
// status except stopped.
const (
	StatusRegistered = "registered"
	StatusStarting   = "starting"
	StatusRunning    = "running"
	StatusStopped    = "stopped"
	StatusError      = "error"
)

// Record is one row of the agents table.
type Record struct {
	AgentID      string     `db:"agent_id" json:"agent_id"`
	ProjectPath  string     `db:"project_path" json:"project_path"`
	Host         string     `db:"host" json:"host"`
	Port         int        `db:"port" json:"port"`
	Framework    string     `db:"framework" json:"framework"`
	Status       string     `db:"status" json:"status"`
	LastRun      *time.Time `db:"last_run" json:"last_run,omitempty"`
	RunCount     int64      `db:"run_count" json:"run_count"`
	SuccessCount int64      `db:"success_count" json:"success_count"`
	ErrorCount   int64      `db:"error_count" json:"error_count"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Address renders the record's listener address.
func (r *Record) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Service provides registry operations over the local SQLite file.
type Service struct {
	db *sqlx.DB
	mu sync.Mutex
}

// NewService opens (creating if needed) the registry at dbPath. An empty
// path uses the per-user default under ~/.runagent.
func NewService(dbPath string) (*Service, error) {
	if dbPath == "" {
		dbPath = constants.GetDatabasePath()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	db, err := sqlx.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	svc := &Service{db: db}
	if err := svc.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create registry tables: %w", err)
	}

	return svc, nil
}

// Close closes the database connection.
func (s *Service) Close() error {
	return s.db.Close()
}

func (s *Service) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			project_path TEXT NOT NULL,
			host TEXT NOT NULL DEFAULT 'localhost',
			port INTEGER NOT NULL DEFAULT 8450,
			framework TEXT,
			status TEXT NOT NULL DEFAULT 'registered',
			last_run DATETIME,
			run_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS user_metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_address ON agents(host, port)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// Register inserts a new agent record. It fails with CAPACITY_EXCEEDED when
// the non-stopped count has reached the local ceiling, ADDRESS_IN_USE when
// another non-stopped record claims the same (host, port), and AGENT_EXISTS
// on a duplicate agent_id. Two servers racing for the same address fail
// deterministically: the loser gets ADDRESS_IN_USE.
func (s *Service) Register(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.liveCount()
	if err != nil {
		return err
	}
	if count >= constants.MaxLocalAgents {
		return types.NewAgentError(
			types.CodeCapacityExceeded,
			fmt.Sprintf("local registry is full (%d of %d agents)", count, constants.MaxLocalAgents),
			types.WithSuggestion("Stop or delete an existing local agent to free a slot"),
		)
	}

	var existing int
	if err := s.db.Get(&existing, `SELECT COUNT(*) FROM agents WHERE agent_id = ?`, rec.AgentID); err != nil {
		return fmt.Errorf("failed to check agent_id: %w", err)
	}
	if existing > 0 {
		return types.NewAgentError(
			types.CodeAgentExists,
			fmt.Sprintf("agent %s is already registered", rec.AgentID),
			types.WithSuggestion("Delete the existing record or pick a different agent_id"),
		)
	}

	var addressHolders int
	err = s.db.Get(&addressHolders,
		`SELECT COUNT(*) FROM agents WHERE host = ? AND port = ? AND status != ?`,
		rec.Host, rec.Port, StatusStopped)
	if err != nil {
		return fmt.Errorf("failed to check address: %w", err)
	}
	if addressHolders > 0 {
		return types.NewAgentError(
			types.CodeAddressInUse,
			fmt.Sprintf("address %s is claimed by another non-stopped agent", rec.Address()),
			types.WithSuggestion("Pick a different port or stop the agent holding this address"),
		)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = StatusRegistered
	}
	if rec.Host == "" {
		rec.Host = constants.DefaultLocalHost
	}

	_, err = s.db.NamedExec(`INSERT INTO agents (
		agent_id, project_path, host, port, framework, status, created_at, updated_at
	) VALUES (:agent_id, :project_path, :host, :port, :framework, :status, :created_at, :updated_at)`, rec)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}

	return nil
}

// Get retrieves an agent by ID; a missing agent returns (nil, nil).
func (s *Service) Get(agentID string) (*Record, error) {
	var rec Record
	err := s.db.Get(&rec, `SELECT * FROM agents WHERE agent_id = ?`, agentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &rec, nil
}

// List returns all records; order is unspecified.
func (s *Service) List() ([]Record, error) {
	var recs []Record
	if err := s.db.Select(&recs, `SELECT * FROM agents`); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return recs, nil
}

// SetStatus updates a record's status and updated_at atomically.
func (s *Service) SetStatus(agentID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ?`,
		status, time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewAgentError(
			types.CodeAgentNotFoundLocal,
			fmt.Sprintf("agent %s is not registered locally", agentID),
		)
	}
	return nil
}

// SetAddress writes back the listener address, used after the OS assigns a
// port for a port-0 start.
func (s *Service) SetAddress(agentID, host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE agents SET host = ?, port = ?, updated_at = ? WHERE agent_id = ?`,
		host, port, time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("failed to update address: %w", err)
	}
	return nil
}

// Delete removes a record.
func (s *Service) Delete(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM agents WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	return nil
}

// Capacity returns (non-stopped count, ceiling).
func (s *Service) Capacity() (int, int, error) {
	count, err := s.liveCount()
	if err != nil {
		return 0, 0, err
	}
	return count, constants.MaxLocalAgents, nil
}

// MarkStaleStopped transitions every non-stopped record at the given
// address to stopped. Called after a server binds that address: a
// successful bind proves no holder is alive, whether the crashed process
// died while starting, running or in error. Clearing all of them keeps
// (host, port) unique among non-stopped records.
func (s *Service) MarkStaleStopped(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE agents SET status = ?, updated_at = ? WHERE host = ? AND port = ? AND status != ?`,
		StatusStopped, time.Now().UTC(), host, port, StatusStopped)
	if err != nil {
		return fmt.Errorf("failed to mark stale agent stopped: %w", err)
	}
	return nil
}

// AllocatePort finds a free port in the default local window, skipping
// ports claimed by non-stopped records and ports something else is
// listening on.
func (s *Service) AllocatePort(host string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []int
	err := s.db.Select(&claimed,
		`SELECT port FROM agents WHERE host = ? AND status != ?`, host, StatusStopped)
	if err != nil {
		return 0, fmt.Errorf("failed to list claimed ports: %w", err)
	}
	taken := make(map[int]bool, len(claimed))
	for _, port := range claimed {
		taken[port] = true
	}

	for port := constants.DefaultPortStart; port <= constants.DefaultPortEnd; port++ {
		if taken[port] {
			continue
		}
		listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			continue
		}
		listener.Close()
		return port, nil
	}

	return 0, types.NewAgentError(
		types.CodeAddressInUse,
		fmt.Sprintf("no free port in %d-%d on %s", constants.DefaultPortStart, constants.DefaultPortEnd, host),
		types.WithSuggestion("Stop an agent or pass an explicit port"),
	)
}

// RecordRun bumps the run counters after a unary invocation.
func (s *Service) RecordRun(agentID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.Exec(`UPDATE agents SET
		run_count = run_count + 1,
		success_count = CASE WHEN ? THEN success_count + 1 ELSE success_count END,
		error_count = CASE WHEN ? THEN error_count ELSE error_count + 1 END,
		last_run = ?,
		updated_at = ?
		WHERE agent_id = ?`,
		success, success, now, now, agentID)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// GetMetadata reads a user_metadata value; missing keys return "".
func (s *Service) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM user_metadata WHERE key = ?`, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get metadata: %w", err)
	}
	return value, nil
}

// SetMetadata upserts a user_metadata value.
func (s *Service) SetMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO user_metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set metadata: %w", err)
	}
	return nil
}

func (s *Service) liveCount() (int, error) {
	var count int
	err := s.db.Get(&count, `SELECT COUNT(*) FROM agents WHERE status != ?`, StatusStopped)
	if err != nil {
		return 0, fmt.Errorf("failed to count agents: %w", err)
	}
	return count, nil
}
