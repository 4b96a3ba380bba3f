package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/looplabs/loopkeeper/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL, one row per
// user keyed by address. WAD amounts are stored as decimal text so they round
// trip exactly.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `user_addr, collateral_asset, borrow_asset, conversion, swap_path,
	initial_collateral, target_leverage, current_leverage, max_iterations, current_iteration,
	min_health_factor, slippage_bps, state, last_update_height,
	use_flash, max_fee_spend, fee_spent, min_step_interval, execution_nonce,
	take_profit_price, stop_loss_price, opened_at, updated_at`

func bigText(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

func bigTextPtr(x *big.Int) *string {
	if x == nil {
		return nil
	}
	s := x.String()
	return &s
}

func parseBig(s string) (*big.Int, error) {
	out, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed decimal %q", s)
	}
	return out, nil
}

func parseBigPtr(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	return parseBig(*s)
}

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var (
		p                              domain.Position
		userHex, colHex, borHex, conv  string
		pathHex                        []string
		initial, target, current       string
		minHF, maxFee, feeSpent, state string
		takeProfit, stopLoss           *string
	)

	err := row.Scan(
		&userHex, &colHex, &borHex, &conv, &pathHex,
		&initial, &target, &current, &p.MaxIterations, &p.CurrentIteration,
		&minHF, &p.SlippageToleranceBps, &state, &p.LastUpdateHeight,
		&p.UseFlashExecution, &maxFee, &feeSpent, &p.MinStepInterval, &p.ExecutionNonce,
		&takeProfit, &stopLoss, &p.OpenedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.User = common.HexToAddress(userHex)
	p.CollateralAsset = common.HexToAddress(colHex)
	p.BorrowAsset = common.HexToAddress(borHex)
	p.Conversion = domain.ConversionMode(conv)
	p.State = domain.PositionState(state)
	for _, h := range pathHex {
		p.SwapPath = append(p.SwapPath, common.HexToAddress(h))
	}

	fields := []struct {
		dst **big.Int
		src string
	}{
		{&p.InitialCollateral, initial},
		{&p.TargetLeverage, target},
		{&p.CurrentLeverage, current},
		{&p.MinHealthFactor, minHF},
		{&p.MaxFeeSpend, maxFee},
		{&p.FeeSpentSoFar, feeSpent},
	}
	for _, f := range fields {
		v, err := parseBig(f.src)
		if err != nil {
			return domain.Position{}, err
		}
		*f.dst = v
	}
	if p.TakeProfitPrice, err = parseBigPtr(takeProfit); err != nil {
		return domain.Position{}, err
	}
	if p.StopLossPrice, err = parseBigPtr(stopLoss); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

func positionArgs(p domain.Position) []any {
	pathHex := make([]string, len(p.SwapPath))
	for i, a := range p.SwapPath {
		pathHex[i] = a.Hex()
	}
	return []any{
		p.User.Hex(), p.CollateralAsset.Hex(), p.BorrowAsset.Hex(), string(p.Conversion), pathHex,
		bigText(p.InitialCollateral), bigText(p.TargetLeverage), bigText(p.CurrentLeverage),
		p.MaxIterations, p.CurrentIteration,
		bigText(p.MinHealthFactor), p.SlippageToleranceBps, string(p.State), p.LastUpdateHeight,
		p.UseFlashExecution, bigText(p.MaxFeeSpend), bigText(p.FeeSpentSoFar),
		p.MinStepInterval, p.ExecutionNonce,
		bigTextPtr(p.TakeProfitPrice), bigTextPtr(p.StopLossPrice),
		p.OpenedAt, p.UpdatedAt,
	}
}

// Create inserts a new position, failing with ErrPositionExists when the user
// already has one.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			user_addr, collateral_asset, borrow_asset, conversion, swap_path,
			initial_collateral, target_leverage, current_leverage, max_iterations, current_iteration,
			min_health_factor, slippage_bps, state, last_update_height,
			use_flash, max_fee_spend, fee_spent, min_step_interval, execution_nonce,
			take_profit_price, stop_loss_price, opened_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18, $19,
			$20, $21, $22, $23
		)`

	_, err := s.pool.Exec(ctx, query, positionArgs(p)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrPositionExists
		}
		return fmt.Errorf("postgres: create position %s: %w", p.User.Hex(), err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			collateral_asset   = $2,
			borrow_asset       = $3,
			conversion         = $4,
			swap_path          = $5,
			initial_collateral = $6,
			target_leverage    = $7,
			current_leverage   = $8,
			max_iterations     = $9,
			current_iteration  = $10,
			min_health_factor  = $11,
			slippage_bps       = $12,
			state              = $13,
			last_update_height = $14,
			use_flash          = $15,
			max_fee_spend      = $16,
			fee_spent          = $17,
			min_step_interval  = $18,
			execution_nonce    = $19,
			take_profit_price  = $20,
			stop_loss_price    = $21,
			opened_at          = $22,
			updated_at         = $23
		WHERE user_addr = $1`

	tag, err := s.pool.Exec(ctx, query, positionArgs(p)...)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.User.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNoPosition
	}
	return nil
}

// Get retrieves the position for user.
func (s *PositionStore) Get(ctx context.Context, user common.Address) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE user_addr = $1`, user.Hex())

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNoPosition
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", user.Hex(), err)
	}
	return p, nil
}

// Delete removes the position record for user.
func (s *PositionStore) Delete(ctx context.Context, user common.Address) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE user_addr = $1`, user.Hex())
	if err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", user.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNoPosition
	}
	return nil
}

// ListActive returns up to limit positions that are not idle, oldest update
// first so stalled positions are inspected before fresh ones.
func (s *PositionStore) ListActive(ctx context.Context, limit int) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE state <> 'idle' ORDER BY updated_at ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan active position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active positions rows: %w", err)
	}
	return out, nil
}
