package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/logging"
	"crosspost/internal/queue"
	"crosspost/internal/services"
)

// Policy captures the pacing rules applied when identities are released.
type Policy struct {
	BaseCooldown       time.Duration
	CooldownJitterPct  int
	FailureStreakLimit int
	StaleReservation   time.Duration
}

// PolicyFromConfig translates the configuration section into a Policy.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		BaseCooldown:       time.Duration(cfg.Identities.BaseCooldownMinutes) * time.Minute,
		CooldownJitterPct:  cfg.Identities.CooldownJitterPct,
		FailureStreakLimit: cfg.Identities.FailureStreakLimit,
		StaleReservation:   time.Duration(cfg.Identities.StaleReservationMinutes) * time.Minute,
	}
}

// Pool manages publishing identities. Reservations are serialized through a
// mutex plus a compare-and-swap update so two publish attempts can never hold
// the same identity, even with concurrent callers.
type Pool struct {
	db     *sql.DB
	policy Policy
	logger *slog.Logger

	mu      sync.Mutex
	now     func() time.Time
	jitterF func(pct int) float64
}

// Option adjusts Pool construction, mainly for tests.
type Option func(*Pool)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithJitter overrides the cooldown jitter source. The function receives the
// configured percentage and returns a multiplier offset in [-pct/100, pct/100].
func WithJitter(f func(pct int) float64) Option {
	return func(p *Pool) { p.jitterF = f }
}

// NewPool builds a pool over the queue store's database.
func NewPool(store *queue.Store, cfg *config.Config, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = logging.NewNop()
	}
	pool := &Pool{
		db:     store.DB(),
		policy: PolicyFromConfig(cfg),
		logger: logger.With(logging.String(logging.FieldComponent, "identity")),
		now:    func() time.Time { return time.Now().UTC() },
		jitterF: func(pct int) float64 {
			if pct <= 0 {
				return 0
			}
			return (rand.Float64()*2 - 1) * float64(pct) / 100
		},
	}
	for _, opt := range opts {
		opt(pool)
	}
	return pool
}

const identityColumns = `id, name, platform_ref, state, last_used_at, cooldown_until,
failure_streak, reserved_at, reserved_by, created_at, updated_at`

// Add registers a new identity in the idle state.
func (p *Pool) Add(ctx context.Context, name, platformRef string) (*Identity, error) {
	name = strings.TrimSpace(name)
	platformRef = strings.TrimSpace(platformRef)
	if name == "" || platformRef == "" {
		return nil, services.Wrap(services.ErrConfiguration, "", "identity add", "name and platform_ref required", nil)
	}
	now := p.now()
	result, err := p.db.ExecContext(ctx, `
INSERT INTO identities (name, platform_ref, state, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`,
		name, platformRef, string(StateIdle), now, now)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "identity add", "insert identity", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "identity add", "resolve identity id", err)
	}
	return p.Get(ctx, id)
}

// Get fetches an identity by id, returning nil when absent.
func (p *Pool) Get(ctx context.Context, id int64) (*Identity, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = ?`, id)
	return scanIdentityRow(row)
}

// GetByName fetches an identity by its unique name, returning nil when absent.
func (p *Pool) GetByName(ctx context.Context, name string) (*Identity, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE name = ?`, name)
	return scanIdentityRow(row)
}

// List returns all identities ordered by id.
func (p *Pool) List(ctx context.Context) ([]*Identity, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM identities ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()
	var identities []*Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, ident)
	}
	return identities, rows.Err()
}

// Reserve picks the least recently used eligible identity and marks it busy
// for the given unit. It returns ErrNoIdentity when every identity is busy,
// cooling down, or disabled.
func (p *Pool) Reserve(ctx context.Context, unitID int64) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "identity reserve", "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT `+identityColumns+` FROM identities
WHERE state IN (?, ?) AND (cooldown_until IS NULL OR cooldown_until <= ?)
ORDER BY last_used_at IS NOT NULL, last_used_at ASC, id ASC
LIMIT 1`,
		string(StateIdle), string(StateCoolingDown), now)
	candidate, err := scanIdentityRow(row)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "identity reserve", "select candidate", err)
	}
	if candidate == nil {
		return nil, services.ErrNoIdentity
	}

	result, err := tx.ExecContext(ctx, `
UPDATE identities SET state = ?, reserved_at = ?, reserved_by = ?, updated_at = ?
WHERE id = ? AND state = ?`,
		string(StateBusy), now, unitID, now, candidate.ID, string(candidate.State))
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "identity reserve", "mark busy", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "identity reserve", "inspect reserve result", err)
	}
	if affected == 0 {
		// Lost the race to a concurrent release or operator action.
		return nil, services.ErrNoIdentity
	}
	if err := tx.Commit(); err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "identity reserve", "commit", err)
	}

	candidate.State = StateBusy
	candidate.ReservedAt = &now
	candidate.ReservedBy = unitID
	p.logger.Debug("identity reserved",
		logging.Int64(logging.FieldIdentity, candidate.ID),
		logging.Int64(logging.FieldUnitID, unitID))
	return candidate, nil
}

// Release returns a reserved identity to the pool. A successful publish
// resets the failure streak and starts the jittered base cooldown. A failed
// publish doubles the cooldown per consecutive failure and disables the
// identity once the streak reaches the configured limit.
func (p *Pool) Release(ctx context.Context, id int64, success bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ident, err := p.Get(ctx, id)
	if err != nil {
		return services.Wrap(services.ErrPersistence, "", "identity release", "load identity", err)
	}
	if ident == nil {
		return services.Wrap(services.ErrPersistence, "", "identity release", fmt.Sprintf("identity %d not found", id), nil)
	}

	now := p.now()
	state := StateCoolingDown
	streak := 0
	cooldown := p.jitteredCooldown(p.policy.BaseCooldown)
	if !success {
		streak = ident.FailureStreak + 1
		cooldown = p.jitteredCooldown(failureCooldown(p.policy.BaseCooldown, streak))
		if p.policy.FailureStreakLimit > 0 && streak >= p.policy.FailureStreakLimit {
			state = StateDisabled
			p.logger.Warn("identity disabled after consecutive failures",
				logging.Int64(logging.FieldIdentity, ident.ID),
				logging.String("name", ident.Name),
				logging.Int("failure_streak", streak),
				logging.Alert("identity_disabled"))
		}
	}
	until := now.Add(cooldown)

	_, err = p.db.ExecContext(ctx, `
UPDATE identities SET state = ?, last_used_at = ?, cooldown_until = ?,
    failure_streak = ?, reserved_at = NULL, reserved_by = 0, updated_at = ?
WHERE id = ?`,
		string(state), now, until, streak, now, id)
	if err != nil {
		return services.Wrap(services.ErrPersistence, "", "identity release", "update identity", err)
	}
	p.logger.Debug("identity released",
		logging.Int64(logging.FieldIdentity, id),
		logging.Bool("success", success),
		logging.Duration("cooldown", cooldown))
	return nil
}

// ReleaseQuiet returns a reserved identity to idle without touching the
// failure streak or starting a cooldown. Crash recovery uses this when the
// attempt's outcome was decided by something other than the platform.
func (p *Pool) ReleaseQuiet(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.db.ExecContext(ctx, `
UPDATE identities SET state = ?, reserved_at = NULL, reserved_by = 0, updated_at = ?
WHERE id = ? AND state = ?`,
		string(StateIdle), p.now(), id, string(StateBusy))
	if err != nil {
		return services.Wrap(services.ErrPersistence, "", "identity release", "quiet release", err)
	}
	return nil
}

// ReclaimStale frees identities whose reservation outlived the configured
// limit, covering workers that died without releasing.
func (p *Pool) ReclaimStale(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.policy.StaleReservation <= 0 {
		return 0, nil
	}
	now := p.now()
	cutoff := now.Add(-p.policy.StaleReservation)
	result, err := p.db.ExecContext(ctx, `
UPDATE identities SET state = ?, reserved_at = NULL, reserved_by = 0, updated_at = ?
WHERE state = ? AND reserved_at IS NOT NULL AND reserved_at < ?`,
		string(StateIdle), now, string(StateBusy), cutoff)
	if err != nil {
		return 0, services.Wrap(services.ErrPersistence, "", "identity reclaim", "release stale reservations", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, services.Wrap(services.ErrPersistence, "", "identity reclaim", "inspect reclaim result", err)
	}
	if affected > 0 {
		p.logger.Warn("reclaimed stale identity reservations",
			logging.Int64("count", affected),
			logging.Alert("identity_reclaimed"))
	}
	return int(affected), nil
}

// Disable takes an identity out of rotation until an operator re-enables it.
func (p *Pool) Disable(ctx context.Context, id int64) error {
	return p.setState(ctx, id, StateDisabled)
}

// Enable returns a disabled identity to rotation with a clean streak.
func (p *Pool) Enable(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.db.ExecContext(ctx, `
UPDATE identities SET state = ?, failure_streak = 0, cooldown_until = NULL,
    reserved_at = NULL, reserved_by = 0, updated_at = ?
WHERE id = ?`,
		string(StateIdle), p.now(), id)
	if err != nil {
		return services.Wrap(services.ErrPersistence, "", "identity enable", "update identity", err)
	}
	return nil
}

func (p *Pool) setState(ctx context.Context, id int64, state State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.db.ExecContext(ctx, `
UPDATE identities SET state = ?, reserved_at = NULL, reserved_by = 0, updated_at = ?
WHERE id = ?`,
		string(state), p.now(), id)
	if err != nil {
		return services.Wrap(services.ErrPersistence, "", "identity update", "update identity state", err)
	}
	return nil
}

// Stats returns a count of identities per effective state.
func (p *Pool) Stats(ctx context.Context) (map[State]int, error) {
	identities, err := p.List(ctx)
	if err != nil {
		return nil, err
	}
	now := p.now()
	stats := make(map[State]int, len(allStates))
	for _, ident := range identities {
		stats[ident.EffectiveState(now)]++
	}
	return stats, nil
}

// maxFailureCooldown bounds the per-identity exponential backoff so a long
// streak can never overflow the duration or park an identity for days.
const maxFailureCooldown = 24 * time.Hour

func failureCooldown(base time.Duration, streak int) time.Duration {
	if base <= 0 {
		return 0
	}
	cooldown := base
	for i := 1; i < streak; i++ {
		cooldown *= 2
		if cooldown >= maxFailureCooldown {
			return maxFailureCooldown
		}
	}
	if cooldown > maxFailureCooldown {
		return maxFailureCooldown
	}
	return cooldown
}

func (p *Pool) jitteredCooldown(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	offset := p.jitterF(p.policy.CooldownJitterPct)
	return time.Duration(float64(base) * (1 + offset))
}

func scanIdentityRow(row *sql.Row) (*Identity, error) {
	ident, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ident, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(scanner rowScanner) (*Identity, error) {
	var (
		ident      Identity
		state      string
		lastUsed   sql.NullTime
		cooldown   sql.NullTime
		reservedAt sql.NullTime
		createdAt  sql.NullTime
		updatedAt  sql.NullTime
	)
	err := scanner.Scan(&ident.ID, &ident.Name, &ident.PlatformRef, &state,
		&lastUsed, &cooldown, &ident.FailureStreak, &reservedAt, &ident.ReservedBy,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	ident.State = State(state)
	if lastUsed.Valid {
		t := lastUsed.Time
		ident.LastUsedAt = &t
	}
	if cooldown.Valid {
		t := cooldown.Time
		ident.CooldownUntil = &t
	}
	if reservedAt.Valid {
		t := reservedAt.Time
		ident.ReservedAt = &t
	}
	if createdAt.Valid {
		ident.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		ident.UpdatedAt = updatedAt.Time
	}
	return &ident, nil
}
