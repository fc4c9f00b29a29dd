// Package planstore provides persistent storage for implant plans using SQLite.
package planstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Level identifies a planned depth level of an implant.
type Level string

const (
	LevelBottom Level = "bottom"
	LevelTop    Level = "top"
)

// PlanParams contains the implant parameters a plan was built from.
type PlanParams struct {
	AP             float64 `json:"ap"`
	ML             float64 `json:"ml"`
	DV             float64 `json:"dv"`
	AngleDeg       float64 `json:"angle_deg"`
	SpanUM         float64 `json:"span_um"`
	SkullUM        float64 `json:"skull_um"`
	VertSpanUM     float64 `json:"vert_span_um"`
	MarkerRadiusPX float64 `json:"marker_radius_px"`
}

// PlanSite is one resolved electrode site: its stereotaxic coordinate plus
// the pixel positions and image URLs the atlas API returned for it.
type PlanSite struct {
	Level Level  `json:"level"`
	Site  string `json:"site"`

	AP float64 `json:"ap"`
	ML float64 `json:"ml"`
	DV float64 `json:"dv"`

	CoronalLeft    int `json:"coronal_left"`
	CoronalTop     int `json:"coronal_top"`
	SagittalLeft   int `json:"sagittal_left"`
	SagittalTop    int `json:"sagittal_top"`
	HorizontalLeft int `json:"horizontal_left"`
	HorizontalTop  int `json:"horizontal_top"`

	CoronalURL    string `json:"coronal_url"`
	SagittalURL   string `json:"sagittal_url"`
	HorizontalURL string `json:"horizontal_url"`
}

// Plan is a persisted implant plan.
type Plan struct {
	ID        string     `json:"plan_id"`
	Params    PlanParams `json:"params"`
	CreatedAt time.Time  `json:"created_at"`
	Sites     []PlanSite `json:"sites,omitempty"`
}

// SitesAt returns the plan's sites for one level, in stored order.
func (p *Plan) SitesAt(level Level) []PlanSite {
	var out []PlanSite
	for _, s := range p.Sites {
		if s.Level == level {
			out = append(out, s)
		}
	}
	return out
}

// HasLevel reports whether the plan has sites at the given level.
func (p *Plan) HasLevel(level Level) bool {
	return len(p.SitesAt(level)) > 0
}

// Store provides persistent storage for plans using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	sweepQuit chan struct{}
	sweepWG   sync.WaitGroup
}

// NewStore creates a new SQLite-based plan store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close stops the retention sweeper (if running) and closes the database.
func (s *Store) Close() error {
	if s.sweepQuit != nil {
		close(s.sweepQuit)
		s.sweepWG.Wait()
		s.sweepQuit = nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plans (
		plan_id TEXT PRIMARY KEY,
		params_json TEXT NOT NULL,
		ap REAL NOT NULL,
		ml REAL NOT NULL,
		dv REAL NOT NULL,
		angle_deg REAL NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_plans_created ON plans(created_at);

	CREATE TABLE IF NOT EXISTS plan_sites (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plan_id TEXT NOT NULL,
		level TEXT NOT NULL,
		site TEXT NOT NULL,
		ap REAL NOT NULL,
		ml REAL NOT NULL,
		dv REAL NOT NULL,
		coronal_left INTEGER NOT NULL,
		coronal_top INTEGER NOT NULL,
		sagittal_left INTEGER NOT NULL,
		sagittal_top INTEGER NOT NULL,
		horizontal_left INTEGER NOT NULL,
		horizontal_top INTEGER NOT NULL,
		coronal_url TEXT NOT NULL,
		sagittal_url TEXT NOT NULL,
		horizontal_url TEXT NOT NULL,
		FOREIGN KEY (plan_id) REFERENCES plans(plan_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_plan_sites_plan ON plan_sites(plan_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreatePlan inserts a plan and its sites in one transaction.
func (s *Store) CreatePlan(plan *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(plan.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO plans (plan_id, params_json, ap, ml, dv, angle_deg, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		plan.ID,
		string(paramsJSON),
		plan.Params.AP,
		plan.Params.ML,
		plan.Params.DV,
		plan.Params.AngleDeg,
		plan.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO plan_sites (plan_id, level, site, ap, ml, dv,
			coronal_left, coronal_top, sagittal_left, sagittal_top,
			horizontal_left, horizontal_top,
			coronal_url, sagittal_url, horizontal_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, site := range plan.Sites {
		_, err := stmt.Exec(
			plan.ID, string(site.Level), site.Site,
			site.AP, site.ML, site.DV,
			site.CoronalLeft, site.CoronalTop,
			site.SagittalLeft, site.SagittalTop,
			site.HorizontalLeft, site.HorizontalTop,
			site.CoronalURL, site.SagittalURL, site.HorizontalURL,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetPlan retrieves a plan with its sites. Returns (nil, nil) when the plan
// does not exist.
func (s *Store) GetPlan(planID string) (*Plan, error) {
	row := s.db.QueryRow(`
		SELECT plan_id, params_json, created_at FROM plans WHERE plan_id = ?
	`, planID)

	plan, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT level, site, ap, ml, dv,
			coronal_left, coronal_top, sagittal_left, sagittal_top,
			horizontal_left, horizontal_top,
			coronal_url, sagittal_url, horizontal_url
		FROM plan_sites WHERE plan_id = ? ORDER BY id ASC
	`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var site PlanSite
		var level string
		err := rows.Scan(
			&level, &site.Site, &site.AP, &site.ML, &site.DV,
			&site.CoronalLeft, &site.CoronalTop,
			&site.SagittalLeft, &site.SagittalTop,
			&site.HorizontalLeft, &site.HorizontalTop,
			&site.CoronalURL, &site.SagittalURL, &site.HorizontalURL,
		)
		if err != nil {
			return nil, err
		}
		site.Level = Level(level)
		plan.Sites = append(plan.Sites, site)
	}

	return plan, rows.Err()
}

// ListPlans returns the most recent plans without their sites.
func (s *Store) ListPlans(limit int) ([]*Plan, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT plan_id, params_json, created_at FROM plans
		ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// DeletePlan deletes a plan and its sites.
func (s *Store) DeletePlan(planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM plan_sites WHERE plan_id = ?", planID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM plans WHERE plan_id = ?", planID)
	return err
}

// DeleteExpired deletes plans older than retentionDays.
func (s *Store) DeleteExpired(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	// Delete sites first (foreign key)
	_, err := s.db.Exec(`
		DELETE FROM plan_sites WHERE plan_id IN (
			SELECT plan_id FROM plans WHERE created_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec("DELETE FROM plans WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// StartSweeper periodically deletes expired plans until Close is called.
func (s *Store) StartSweeper(retentionDays int, period time.Duration) {
	if s.sweepQuit != nil {
		return
	}
	s.sweepQuit = make(chan struct{})
	s.sweepWG.Add(1)

	go func(quit chan struct{}) {
		defer s.sweepWG.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.DeleteExpired(retentionDays)
			case <-quit:
				return
			}
		}
	}(s.sweepQuit)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (*Plan, error) {
	var plan Plan
	var paramsJSON, createdAtStr string

	if err := row.Scan(&plan.ID, &paramsJSON, &createdAtStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(paramsJSON), &plan.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	plan.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	return &plan, nil
}
