package agent

import (
	"context"
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const defaultJournalPath = "/var/lib/netsatbench/agent.db"

// journal is a local sqlite trace of link operations and task executions,
// for debugging a node after the fact. Open and schema failures are logged
// and leave the journal disabled; write failures are ignored. The journal
// must never take the agent down.
type journal struct {
	db *sql.DB
}

func openJournal(path string) *journal {
	if path == "" {
		path = defaultJournalPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("journal mkdir failed: %v", err)
		return &journal{}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		log.Printf("journal open failed: %v", err)
		return &journal{}
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS link_ops(iface TEXT, op TEXT, detail TEXT, ts INTEGER);
		CREATE TABLE IF NOT EXISTS task_runs(id TEXT, exit_code INTEGER, commands INTEGER, ts INTEGER);
		CREATE INDEX IF NOT EXISTS idx_link_ops_iface ON link_ops(iface);
	`); err != nil {
		log.Printf("journal schema failed: %v", err)
		db.Close()
		return &journal{}
	}
	return &journal{db: db}
}

func (j *journal) linkOp(iface, op, detail string) {
	if j == nil || j.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = j.db.ExecContext(ctx,
		`INSERT INTO link_ops(iface, op, detail, ts) VALUES(?,?,?,?)`,
		iface, op, detail, time.Now().Unix())
}

func (j *journal) taskRun(id string, exitCode, commands int) {
	if j == nil || j.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = j.db.ExecContext(ctx,
		`INSERT INTO task_runs(id, exit_code, commands, ts) VALUES(?,?,?,?)`,
		id, exitCode, commands, time.Now().Unix())
}

func (j *journal) close() {
	if j != nil && j.db != nil {
		j.db.Close()
	}
}
