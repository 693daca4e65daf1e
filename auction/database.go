package auction

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var (
	weiPerEth    = big.NewInt(1e18)
	yoctoPerNear = new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)

	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderNotCancelled = errors.New("order not cancelled")
)

type DBOrder struct {
	ID           string         `db:"id"`
	ParentID     sql.NullString `db:"parent_id"`
	Signer       []byte         `db:"signer"`
	SourceChain  string         `db:"source_chain"`
	DestChain    string         `db:"dest_chain"`
	Status       string         `db:"status"`
	SourceAmount string         `db:"source_amount"`
	FilledAmount string         `db:"filled_amount"`
	BaseRate     float64        `db:"base_rate"`
	Hashlock     string         `db:"hashlock"`
	Timelock     int64          `db:"timelock"`
	ReceivedAt   time.Time      `db:"received_at"`
	Body         []byte         `db:"body"`
	OriginID     sql.NullString `db:"origin_id"`
	InsertedAt   time.Time      `db:"inserted_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

var insertOrderQuery = `
INSERT INTO auction_order (id, parent_id, signer, source_chain, dest_chain, status, source_amount, filled_amount,
                           base_rate, hashlock, timelock, received_at, body, origin_id, updated_at)
VALUES (:id, :parent_id, :signer, :source_chain, :dest_chain, :status, :source_amount, :filled_amount,
        :base_rate, :hashlock, :timelock, :received_at, :body, :origin_id, :updated_at)
ON CONFLICT (id) DO NOTHING
RETURNING id`

var getOrderQuery = `
SELECT status, body
FROM auction_order
WHERE id = $1`

var selectOrderForUpdateQuery = `
SELECT status, body
FROM auction_order
WHERE id = $1
FOR UPDATE`

var updateOrderQuery = `
UPDATE auction_order
SET status = :status, filled_amount = :filled_amount, body = :body, updated_at = :updated_at
WHERE id = :id`

// Cancellation bypasses the body so a cancel never races a settlement
// iteration, readers overlay the status column on the body.
var cancelOrderQuery = `
UPDATE auction_order
SET status = 'cancelled', updated_at = now()
WHERE id = $1 AND signer = $2 AND status IN ('created', 'processing')
RETURNING id`

type DBFill struct {
	ID       string         `db:"id"`
	OrderID  string         `db:"order_id"`
	Amount   string         `db:"amount"`
	Executor string         `db:"executor"`
	TxHash   sql.NullString `db:"tx_hash"`
	FilledAt time.Time      `db:"filled_at"`
}

var insertFillQuery = `
INSERT INTO order_fill (id, order_id, amount, executor, tx_hash, filled_at)
VALUES (:id, :order_id, :amount, :executor, :tx_hash, :filled_at)
ON CONFLICT (id) DO NOTHING`

type DBQuote struct {
	ID         int64           `db:"id"`
	OrderID    string          `db:"order_id"`
	AuctionID  sql.NullString  `db:"auction_id"`
	Sequence   int64           `db:"sequence"`
	Rate       float64         `db:"rate"`
	Body       json.RawMessage `db:"body"`
	InsertedAt time.Time       `db:"inserted_at"`
}

var insertQuoteQuery = `
INSERT INTO order_quote (order_id, auction_id, sequence, rate, body)
VALUES (:order_id, :auction_id, :sequence, :rate, :body)
RETURNING id`

type DBBackend struct {
	db *sqlx.DB

	insertOrder *sqlx.NamedStmt
	getOrder    *sqlx.Stmt
	updateOrder *sqlx.NamedStmt
	cancelOrder *sqlx.Stmt
	insertQuote *sqlx.NamedStmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	insertOrder, err := db.PrepareNamed(insertOrderQuery)
	if err != nil {
		return nil, err
	}
	getOrder, err := db.Preparex(getOrderQuery)
	if err != nil {
		return nil, err
	}
	updateOrder, err := db.PrepareNamed(updateOrderQuery)
	if err != nil {
		return nil, err
	}
	cancelOrder, err := db.Preparex(cancelOrderQuery)
	if err != nil {
		return nil, err
	}
	insertQuote, err := db.PrepareNamed(insertQuoteQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:          db,
		insertOrder: insertOrder,
		getOrder:    getOrder,
		updateOrder: updateOrder,
		cancelOrder: cancelOrder,
		insertQuote: insertQuote,
	}, nil
}

// InsertOrder inserts an order into the database.
// When called for the second time with the same order id it returns
// known = true and leaves the stored order untouched.
func (b *DBBackend) InsertOrder(ctx context.Context, order *Order) (known bool, err error) {
	if order.Metadata == nil {
		return known, ErrNilOrderMetadata
	}
	var dbOrder DBOrder
	dbOrder.ID = order.ID
	dbOrder.ParentID = sql.NullString{String: order.ParentID, Valid: order.ParentID != ""}
	dbOrder.Signer = order.Metadata.Signer.Bytes()
	dbOrder.SourceChain = string(order.SourceChain)
	dbOrder.DestChain = string(order.DestChain)
	dbOrder.Status = string(order.Status)
	dbOrder.SourceAmount = dbAmountToUnit(order.SourceAmount.ToInt(), order.SourceChain)
	dbOrder.FilledAmount = dbAmountToUnit(order.FilledAmount.ToInt(), order.SourceChain)
	dbOrder.BaseRate = order.BaseRate
	dbOrder.Hashlock = order.Hashlock
	dbOrder.Timelock = int64(order.Timelock)
	dbOrder.ReceivedAt = time.UnixMicro(int64(order.Metadata.ReceivedAt))
	dbOrder.UpdatedAt = time.Unix(int64(order.UpdatedAt), 0)
	dbOrder.Body, err = json.Marshal(order)
	if err != nil {
		return known, err
	}
	dbOrder.OriginID = sql.NullString{String: order.Metadata.OriginID, Valid: order.Metadata.OriginID != ""}

	var id string
	err = b.insertOrder.GetContext(ctx, &id, dbOrder)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return known, err
	}
	return known, nil
}

func (b *DBBackend) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var dbOrder DBOrder
	err := b.getOrder.GetContext(ctx, &dbOrder, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	} else if err != nil {
		return nil, err
	}
	return orderFromRow(&dbOrder)
}

// ApplyFill applies a fill to the stored order. The order row is locked for
// the duration of the transaction so concurrent fills and cancellations
// serialize on the row.
func (b *DBBackend) ApplyFill(ctx context.Context, orderID string, amount *big.Int, executor, txHash string, now uint64) (*Order, *Fill, error) {
	dbTx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	order, err := getOrderForUpdate(ctx, dbTx, orderID)
	if err != nil {
		_ = dbTx.Rollback()
		return nil, nil, err
	}

	fill, err := order.ApplyFill(amount, executor, txHash, now)
	if err != nil {
		_ = dbTx.Rollback()
		return nil, nil, err
	}

	dbFill := DBFill{
		ID:       fill.ID,
		OrderID:  order.ID,
		Amount:   dbAmountToUnit(fill.Amount.ToInt(), order.SourceChain),
		Executor: fill.Executor,
		TxHash:   sql.NullString{String: fill.TxHash, Valid: fill.TxHash != ""},
		FilledAt: time.Unix(int64(fill.FilledAt), 0),
	}
	_, err = dbTx.NamedExecContext(ctx, insertFillQuery, dbFill)
	if err != nil {
		_ = dbTx.Rollback()
		return nil, nil, err
	}

	if err := b.updateOrderRow(ctx, dbTx, order); err != nil {
		_ = dbTx.Rollback()
		return nil, nil, err
	}
	return order, fill, dbTx.Commit()
}

// UpdateOrderStatus moves the stored order to the given status. Setting the
// current status again is a no-op, terminal orders reject any other change.
func (b *DBBackend) UpdateOrderStatus(ctx context.Context, orderID string, status OrderStatus, now uint64) (*Order, error) {
	dbTx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	order, err := getOrderForUpdate(ctx, dbTx, orderID)
	if err != nil {
		_ = dbTx.Rollback()
		return nil, err
	}
	if order.Status == status {
		_ = dbTx.Rollback()
		return order, nil
	}
	if order.Status.Terminal() {
		_ = dbTx.Rollback()
		return nil, ErrOrderTerminal
	}

	order.Status = status
	order.UpdatedAt = hexutil.Uint64(now)
	if err := b.updateOrderRow(ctx, dbTx, order); err != nil {
		_ = dbTx.Rollback()
		return nil, err
	}
	return order, dbTx.Commit()
}

func (b *DBBackend) CancelOrderByID(ctx context.Context, orderID string, signer common.Address) error {
	var result string
	err := b.cancelOrder.GetContext(ctx, &result, orderID, signer.Bytes())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOrderNotCancelled
		}
		return err
	}

	if result != orderID {
		return ErrOrderNotCancelled
	}
	return nil
}

func (b *DBBackend) InsertQuote(ctx context.Context, quote *PublicQuote) error {
	body, err := json.Marshal(quote)
	if err != nil {
		return err
	}
	dbQuote := DBQuote{
		OrderID:   quote.OrderID,
		AuctionID: sql.NullString{String: quote.AuctionID, Valid: quote.AuctionID != ""},
		Sequence:  int64(quote.Sequence),
		Rate:      quote.Rate,
		Body:      body,
	}
	_, err = b.insertQuote.ExecContext(ctx, dbQuote)
	return err
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}

func getOrderForUpdate(ctx context.Context, dbTx *sqlx.Tx, orderID string) (*Order, error) {
	var dbOrder DBOrder
	err := dbTx.GetContext(ctx, &dbOrder, selectOrderForUpdateQuery, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	} else if err != nil {
		return nil, err
	}
	return orderFromRow(&dbOrder)
}

func orderFromRow(dbOrder *DBOrder) (*Order, error) {
	var order Order
	if err := json.Unmarshal(dbOrder.Body, &order); err != nil {
		return nil, err
	}
	order.Status = OrderStatus(dbOrder.Status)
	return &order, nil
}

func (b *DBBackend) updateOrderRow(ctx context.Context, dbTx *sqlx.Tx, order *Order) error {
	body, err := json.Marshal(order)
	if err != nil {
		return err
	}
	row := DBOrder{
		ID:           order.ID,
		Status:       string(order.Status),
		FilledAmount: dbAmountToUnit(order.FilledAmount.ToInt(), order.SourceChain),
		Body:         body,
		UpdatedAt:    time.Unix(int64(order.UpdatedAt), 0),
	}
	_, err = dbTx.NamedStmtContext(ctx, b.updateOrder).ExecContext(ctx, row)
	return err
}

func dbAmountToUnit(i *big.Int, chain Chain) string {
	switch chain {
	case ChainNEAR:
		return new(big.Rat).SetFrac(i, yoctoPerNear).FloatString(24)
	case ChainETH:
		return new(big.Rat).SetFrac(i, weiPerEth).FloatString(18)
	default:
		return new(big.Rat).SetInt(i).FloatString(0)
	}
}
