/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all SQL for grants, scheduled transfers, insured
 * actions, and compensation credits.
 *
 * @notes
 * - Terminal action statuses are guarded in SQL: every Mark* statement
 *   requires the current status to be non-terminal, so a terminal action is
 *   never mutated again even under concurrent writers.
 * - ClaimActionForAttempt is the cross-process half of the
 *   at-most-one-in-flight-per-action invariant; the in-process half lives in
 *   the lifecycle's keyed locks.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver.
 * - internal/domain: Domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Flow-Sure/flowsure-backend/internal/domain"
)

var (
	ErrGrantNotFound    = errors.New("authorization grant not found")
	ErrTransferNotFound = errors.New("scheduled transfer not found")
	ErrActionNotFound   = errors.New("insured action not found")
	ErrActionTerminal   = errors.New("insured action already terminal")
)

const terminalStatuses = "('success', 'compensated', 'failed_permanent')"

// PostgresRepository is a concrete implementation of the Repository interface.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateGrantSuperseding revokes any active grant for the user and inserts the
// new one in a single transaction, preserving the one-active-grant invariant.
func (r *PostgresRepository) CreateGrantSuperseding(ctx context.Context, grant *domain.AuthorizationGrant) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin grant transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE authorization_grants
		SET revoked_at = NOW()
		WHERE user_address = $1 AND revoked_at IS NULL
	`, grant.UserAddress)
	if err != nil {
		return fmt.Errorf("supersede prior grant: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO authorization_grants (id, user_address, max_amount_per_transfer, capability_ref, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, grant.ID, grant.UserAddress, grant.MaxAmountPerTransfer, grant.CapabilityRef, grant.IssuedAt, grant.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}

	return tx.Commit(ctx)
}

// FindActiveGrantByUser returns the user's non-revoked grant, expired or not.
// Callers decide usability via UsableAt.
func (r *PostgresRepository) FindActiveGrantByUser(ctx context.Context, userAddress string) (*domain.AuthorizationGrant, error) {
	var grant domain.AuthorizationGrant
	query := `
		SELECT id, user_address, max_amount_per_transfer, capability_ref, issued_at, expires_at, revoked_at
		FROM authorization_grants
		WHERE user_address = $1 AND revoked_at IS NULL
		ORDER BY issued_at DESC
		LIMIT 1
	`
	err := r.db.QueryRow(ctx, query, userAddress).Scan(
		&grant.ID, &grant.UserAddress, &grant.MaxAmountPerTransfer,
		&grant.CapabilityRef, &grant.IssuedAt, &grant.ExpiresAt, &grant.RevokedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGrantNotFound
		}
		return nil, err
	}
	return &grant, nil
}

// RevokeGrant marks the user's active grant revoked. Revoking an absent or
// already-revoked grant is a no-op success.
func (r *PostgresRepository) RevokeGrant(ctx context.Context, userAddress string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE authorization_grants
		SET revoked_at = NOW()
		WHERE user_address = $1 AND revoked_at IS NULL
	`, userAddress)
	return err
}

// CreateScheduledTransfer persists the transfer and its recipients atomically;
// a validation or insert failure leaves no partial state behind.
func (r *PostgresRepository) CreateScheduledTransfer(ctx context.Context, transfer *domain.ScheduledTransfer) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transfer transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var frequency *string
	var ruleStartAt, ruleEndAt *time.Time
	if transfer.Recurring != nil {
		f := string(transfer.Recurring.Frequency)
		frequency = &f
		ruleStartAt = &transfer.Recurring.StartAt
		ruleEndAt = transfer.Recurring.EndAt
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO scheduled_transfers
			(id, owner_address, title, description, amount, amount_per_recipient, retry_limit,
			 scheduled_at, recurring_frequency, recurring_start_at, recurring_end_at,
			 status, next_fire_at, occurrence_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, transfer.ID, transfer.OwnerAddress, transfer.Title, transfer.Description,
		transfer.Amount, transfer.AmountPerRecipient, transfer.RetryLimit,
		transfer.ScheduledAt, frequency, ruleStartAt, ruleEndAt,
		transfer.Status, transfer.NextFireAt, transfer.OccurrenceCount)
	if err != nil {
		return fmt.Errorf("insert scheduled transfer: %w", err)
	}

	for i, recipient := range transfer.Recipients {
		_, err = tx.Exec(ctx, `
			INSERT INTO scheduled_transfer_recipients (transfer_id, position, address, name)
			VALUES ($1, $2, $3, $4)
		`, transfer.ID, i, recipient.Address, recipient.Name)
		if err != nil {
			return fmt.Errorf("insert recipient %d: %w", i, err)
		}
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) scanTransfer(row pgx.Row) (*domain.ScheduledTransfer, error) {
	var t domain.ScheduledTransfer
	var frequency *string
	var ruleStartAt, ruleEndAt *time.Time
	err := row.Scan(
		&t.ID, &t.OwnerAddress, &t.Title, &t.Description, &t.Amount,
		&t.AmountPerRecipient, &t.RetryLimit, &t.ScheduledAt,
		&frequency, &ruleStartAt, &ruleEndAt,
		&t.Status, &t.NextFireAt, &t.OccurrenceCount, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if frequency != nil && ruleStartAt != nil {
		t.Recurring = &domain.RecurringRule{
			Frequency: domain.Frequency(*frequency),
			StartAt:   *ruleStartAt,
			EndAt:     ruleEndAt,
		}
	}
	return &t, nil
}

const transferColumns = `
	id, owner_address, title, description, amount, amount_per_recipient, retry_limit,
	scheduled_at, recurring_frequency, recurring_start_at, recurring_end_at,
	status, next_fire_at, occurrence_count, created_at, updated_at
`

func (r *PostgresRepository) loadRecipients(ctx context.Context, transferID uuid.UUID) ([]domain.Recipient, error) {
	rows, err := r.db.Query(ctx, `
		SELECT address, name
		FROM scheduled_transfer_recipients
		WHERE transfer_id = $1
		ORDER BY position
	`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []domain.Recipient
	for rows.Next() {
		var recipient domain.Recipient
		if err := rows.Scan(&recipient.Address, &recipient.Name); err != nil {
			return nil, err
		}
		recipients = append(recipients, recipient)
	}
	return recipients, rows.Err()
}

// FindScheduledTransferByID retrieves a transfer with its recipients.
func (r *PostgresRepository) FindScheduledTransferByID(ctx context.Context, id uuid.UUID) (*domain.ScheduledTransfer, error) {
	transfer, err := r.scanTransfer(r.db.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM scheduled_transfers WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	transfer.Recipients, err = r.loadRecipients(ctx, transfer.ID)
	if err != nil {
		return nil, err
	}
	return transfer, nil
}

// ListScheduledTransfersByOwner returns all transfers created by the owner,
// newest first.
func (r *PostgresRepository) ListScheduledTransfersByOwner(ctx context.Context, ownerAddress string) ([]domain.ScheduledTransfer, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+transferColumns+` FROM scheduled_transfers WHERE owner_address = $1 ORDER BY created_at DESC`,
		ownerAddress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []domain.ScheduledTransfer
	for rows.Next() {
		transfer, err := r.scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range transfers {
		transfers[i].Recipients, err = r.loadRecipients(ctx, transfers[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return transfers, nil
}

// FindDueScheduledTransfers fetches active transfers whose cursor has come
// due, recipients included.
func (r *PostgresRepository) FindDueScheduledTransfers(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledTransfer, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+transferColumns+`
		FROM scheduled_transfers
		WHERE status = 'active' AND next_fire_at IS NOT NULL AND next_fire_at <= $1
		ORDER BY next_fire_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []domain.ScheduledTransfer
	for rows.Next() {
		transfer, err := r.scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range transfers {
		transfers[i].Recipients, err = r.loadRecipients(ctx, transfers[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return transfers, nil
}

// AdvanceScheduleCursor commits the cursor forward one step after a fire.
func (r *PostgresRepository) AdvanceScheduleCursor(ctx context.Context, id uuid.UUID, nextFireAt *time.Time, occurrenceCount int, status string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE scheduled_transfers
		SET next_fire_at = $1, occurrence_count = $2, status = $3, updated_at = NOW()
		WHERE id = $4 AND status = 'active'
	`, nextFireAt, occurrenceCount, status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// CancelScheduledTransfer stops future occurrences. In-flight insured actions
// are untouched. Returns false when nothing active belonged to the owner.
func (r *PostgresRepository) CancelScheduledTransfer(ctx context.Context, id uuid.UUID, ownerAddress string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE scheduled_transfers
		SET status = 'cancelled', next_fire_at = NULL, updated_at = NOW()
		WHERE id = $1 AND owner_address = $2 AND status = 'active'
	`, id, ownerAddress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CreateInsuredActions inserts a fan-out batch atomically.
func (r *PostgresRepository) CreateInsuredActions(ctx context.Context, actions []domain.InsuredAction) error {
	if len(actions) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin action transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range actions {
		a := &actions[i]
		_, err = tx.Exec(ctx, `
			INSERT INTO insured_actions
				(id, scheduled_transfer_id, user_address, action_type, recipient_address,
				 amount, retries, max_retries, status, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, a.ID, a.ScheduledTransferID, a.UserAddress, a.ActionType, a.RecipientAddress,
			a.Amount, a.Retries, a.MaxRetries, a.Status, a.NextAttemptAt)
		if err != nil {
			return fmt.Errorf("insert insured action: %w", err)
		}
	}

	return tx.Commit(ctx)
}

const actionColumns = `
	id, scheduled_transfer_id, user_address, action_type, recipient_address,
	amount, retries, max_retries, status, failure_reason, flow_tx_id,
	next_attempt_at, created_at, updated_at
`

func scanAction(row pgx.Row) (*domain.InsuredAction, error) {
	var a domain.InsuredAction
	err := row.Scan(
		&a.ID, &a.ScheduledTransferID, &a.UserAddress, &a.ActionType,
		&a.RecipientAddress, &a.Amount, &a.Retries, &a.MaxRetries, &a.Status,
		&a.FailureReason, &a.FlowTxID, &a.NextAttemptAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindInsuredActionByID retrieves one action.
func (r *PostgresRepository) FindInsuredActionByID(ctx context.Context, id uuid.UUID) (*domain.InsuredAction, error) {
	action, err := scanAction(r.db.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM insured_actions WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrActionNotFound
		}
		return nil, err
	}
	return action, nil
}

// ListInsuredActionsByUser returns the user's actions, newest first.
func (r *PostgresRepository) ListInsuredActionsByUser(ctx context.Context, userAddress string) ([]domain.InsuredAction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+actionColumns+` FROM insured_actions WHERE user_address = $1 ORDER BY created_at DESC`,
		userAddress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []domain.InsuredAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *action)
	}
	return actions, rows.Err()
}

// FindDueActions fetches non-terminal actions whose next attempt has come due.
func (r *PostgresRepository) FindDueActions(ctx context.Context, now time.Time, limit int) ([]domain.InsuredAction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+actionColumns+`
		FROM insured_actions
		WHERE status IN ('pending', 'retrying')
		  AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []domain.InsuredAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *action)
	}
	return actions, rows.Err()
}

// ClaimActionForAttempt takes the cross-process attempt claim. Returns false
// when another worker holds a fresh claim or the action went terminal.
func (r *PostgresRepository) ClaimActionForAttempt(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE insured_actions
		SET attempt_claimed_at = NOW()
		WHERE id = $1
		  AND status NOT IN `+terminalStatuses+`
		  AND (attempt_claimed_at IS NULL OR attempt_claimed_at < $2)
	`, id, staleBefore)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseActionClaim clears the attempt claim after an attempt settles.
func (r *PostgresRepository) ReleaseActionClaim(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE insured_actions SET attempt_claimed_at = NULL WHERE id = $1`, id)
	return err
}

// MarkActionSuccess records the single terminal success transition.
func (r *PostgresRepository) MarkActionSuccess(ctx context.Context, id uuid.UUID, flowTxID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE insured_actions
		SET status = 'success', flow_tx_id = $1, next_attempt_at = NULL,
		    attempt_claimed_at = NULL, updated_at = NOW()
		WHERE id = $2 AND status NOT IN `+terminalStatuses+`
	`, flowTxID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrActionTerminal
	}
	return nil
}

// MarkActionRetrying bumps the retry counter and schedules the next attempt.
func (r *PostgresRepository) MarkActionRetrying(ctx context.Context, id uuid.UUID, retries int, nextAttemptAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE insured_actions
		SET status = 'retrying', retries = $1, next_attempt_at = $2,
		    attempt_claimed_at = NULL, updated_at = NOW()
		WHERE id = $3 AND status NOT IN `+terminalStatuses+`
	`, retries, nextAttemptAt, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrActionTerminal
	}
	return nil
}

// MarkActionFailedPermanent records the terminal permanent-failure transition.
func (r *PostgresRepository) MarkActionFailedPermanent(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE insured_actions
		SET status = 'failed_permanent', failure_reason = $1, next_attempt_at = NULL,
		    attempt_claimed_at = NULL, updated_at = NOW()
		WHERE id = $2 AND status NOT IN `+terminalStatuses+`
	`, reason, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrActionTerminal
	}
	return nil
}

// MarkActionCompensated records the terminal compensated transition.
func (r *PostgresRepository) MarkActionCompensated(ctx context.Context, id uuid.UUID, retries int, reason string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE insured_actions
		SET status = 'compensated', retries = $1, failure_reason = $2,
		    next_attempt_at = NULL, attempt_claimed_at = NULL, updated_at = NOW()
		WHERE id = $3 AND status NOT IN `+terminalStatuses+`
	`, retries, reason, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrActionTerminal
	}
	return nil
}

// InsertCompensationCredit records that a vault credit is owed for the action.
// UNIQUE(action_id) plus ON CONFLICT DO NOTHING makes this the at-most-once
// trigger point for compensation; the boolean reports whether this caller won.
func (r *PostgresRepository) InsertCompensationCredit(ctx context.Context, actionID uuid.UUID, userAddress string, amount int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO compensation_credits (action_id, user_address, amount, status)
		VALUES ($1, $2, $3, 'pending')
		ON CONFLICT (action_id) DO NOTHING
	`, actionID, userAddress, amount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCompensationCreditPaid settles a pending credit.
func (r *PostgresRepository) MarkCompensationCreditPaid(ctx context.Context, actionID uuid.UUID, vaultTxID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE compensation_credits
		SET status = 'paid', vault_tx_id = $1, paid_at = NOW()
		WHERE action_id = $2 AND status = 'pending'
	`, vaultTxID, actionID)
	return err
}

// FindPendingCompensationCredits lists credits still owed to users.
func (r *PostgresRepository) FindPendingCompensationCredits(ctx context.Context, limit int) ([]domain.CompensationCredit, error) {
	rows, err := r.db.Query(ctx, `
		SELECT action_id, user_address, amount, status, vault_tx_id, created_at, paid_at
		FROM compensation_credits
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var credits []domain.CompensationCredit
	for rows.Next() {
		var credit domain.CompensationCredit
		err := rows.Scan(&credit.ActionID, &credit.UserAddress, &credit.Amount,
			&credit.Status, &credit.VaultTxID, &credit.CreatedAt, &credit.PaidAt)
		if err != nil {
			return nil, err
		}
		credits = append(credits, credit)
	}
	return credits, rows.Err()
}

// GetProtectionMetrics aggregates a user's action counts for the dashboard.
func (r *PostgresRepository) GetProtectionMetrics(ctx context.Context, userAddress string) (*domain.ProtectionMetrics, error) {
	var m domain.ProtectionMetrics
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('pending', 'retrying')),
			COUNT(*) FILTER (WHERE status = 'retrying'),
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'compensated')
		FROM insured_actions
		WHERE user_address = $1
	`, userAddress).Scan(&m.ActiveProtections, &m.RetryQueueDepth, &m.SucceededActions, &m.CompensatedActions)
	if err != nil {
		return nil, err
	}

	err = r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM compensation_credits
		WHERE user_address = $1 AND status = 'paid'
	`, userAddress).Scan(&m.TotalCompensationPaid)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetVaultPayoutTotals aggregates vault payout activity across all users.
func (r *PostgresRepository) GetVaultPayoutTotals(ctx context.Context) (int64, int, error) {
	var totalPaid int64
	var pendingCredits int
	err := r.db.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE status = 'paid'), 0),
			COUNT(*) FILTER (WHERE status = 'pending')
		FROM compensation_credits
	`).Scan(&totalPaid, &pendingCredits)
	if err != nil {
		return 0, 0, err
	}
	return totalPaid, pendingCredits, nil
}
