package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/thecatch/orderflow/pkg/models"
)

type PostgresStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewPostgresStore(db *sql.DB, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

func CreateTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(255) PRIMARY KEY,
			order_number VARCHAR(64) NOT NULL UNIQUE,
			status VARCHAR(50) NOT NULL,
			customer_name VARCHAR(255) NOT NULL,
			customer_email VARCHAR(255) NOT NULL,
			customer_phone VARCHAR(64) NOT NULL,
			location_name VARCHAR(255) NOT NULL,
			location_address TEXT NOT NULL,
			location_phone VARCHAR(64) NOT NULL,
			subtotal DECIMAL(10,2) NOT NULL,
			tax DECIMAL(10,2) NOT NULL,
			tip DECIMAL(10,2) NOT NULL,
			delivery_fee DECIMAL(10,2) NOT NULL,
			total DECIMAL(10,2) NOT NULL,
			estimated_ready_time TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			confirmed_at TIMESTAMPTZ,
			preparing_at TIMESTAMPTZ,
			ready_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id SERIAL PRIMARY KEY,
			order_id VARCHAR(255) NOT NULL REFERENCES orders(id),
			name VARCHAR(255) NOT NULL,
			quantity INTEGER NOT NULL,
			unit_price DECIMAL(10,2) NOT NULL,
			modifiers JSONB,
			special_instructions TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_order_number ON orders(order_number)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

func (s *PostgresStore) Create(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (
			id, order_number, status,
			customer_name, customer_email, customer_phone,
			location_name, location_address, location_phone,
			subtotal, tax, tip, delivery_fee, total,
			estimated_ready_time, created_at,
			confirmed_at, preparing_at, ready_at, completed_at, cancelled_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`
	_, err = tx.ExecContext(ctx, query,
		order.ID, order.OrderNumber, order.Status,
		order.Customer.Name, order.Customer.Email, order.Customer.Phone,
		order.Location.Name, order.Location.Address, order.Location.Phone,
		order.Subtotal, order.Tax, order.Tip, order.DeliveryFee, order.Total,
		order.EstimatedReadyTime, order.CreatedAt,
		order.ConfirmedAt, order.PreparingAt, order.ReadyAt, order.CompletedAt, order.CancelledAt,
	)
	if err != nil {
		return err
	}

	for _, item := range order.Items {
		modifiersJSON, err := json.Marshal(item.Modifiers)
		if err != nil {
			return fmt.Errorf("failed to marshal item modifiers: %w", err)
		}

		itemQuery := `
			INSERT INTO order_items (order_id, name, quantity, unit_price, modifiers, special_instructions)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		_, err = tx.ExecContext(ctx, itemQuery,
			order.ID, item.Name, item.Quantity, item.UnitPrice,
			string(modifiersJSON), item.SpecialInstructions)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

const orderColumns = `
	id, order_number, status,
	customer_name, customer_email, customer_phone,
	location_name, location_address, location_phone,
	subtotal, tax, tip, delivery_fee, total,
	estimated_ready_time, created_at,
	confirmed_at, preparing_at, ready_at, completed_at, cancelled_at
`

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return s.getOne(ctx, query, id)
}

func (s *PostgresStore) GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_number = $1`
	return s.getOne(ctx, query, models.NormalizeOrderNumber(orderNumber))
}

func (s *PostgresStore) getOne(ctx context.Context, query string, arg string) (*models.Order, error) {
	order := &models.Order{}
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&order.ID, &order.OrderNumber, &order.Status,
		&order.Customer.Name, &order.Customer.Email, &order.Customer.Phone,
		&order.Location.Name, &order.Location.Address, &order.Location.Phone,
		&order.Subtotal, &order.Tax, &order.Tip, &order.DeliveryFee, &order.Total,
		&order.EstimatedReadyTime, &order.CreatedAt,
		&order.ConfirmedAt, &order.PreparingAt, &order.ReadyAt, &order.CompletedAt, &order.CancelledAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadItems(ctx, order); err != nil {
		return nil, err
	}

	return order, nil
}

func (s *PostgresStore) loadItems(ctx context.Context, order *models.Order) error {
	itemsQuery := `
		SELECT name, quantity, unit_price, modifiers, special_instructions
		FROM order_items WHERE order_id = $1 ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, itemsQuery, order.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		var modifiersJSON sql.NullString
		var instructions sql.NullString
		if err := rows.Scan(&item.Name, &item.Quantity, &item.UnitPrice, &modifiersJSON, &instructions); err != nil {
			return err
		}
		if modifiersJSON.Valid && modifiersJSON.String != "" {
			if err := json.Unmarshal([]byte(modifiersJSON.String), &item.Modifiers); err != nil {
				s.logger.WithError(err).WithField("order_id", order.ID).Warn("Failed to decode item modifiers")
			}
		}
		item.SpecialInstructions = instructions.String
		order.Items = append(order.Items, item)
	}

	return rows.Err()
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, order *models.Order) error {
	query := `
		UPDATE orders
		SET status = $2,
			confirmed_at = $3,
			preparing_at = $4,
			ready_at = $5,
			completed_at = $6,
			cancelled_at = $7
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query,
		order.ID, order.Status,
		order.ConfirmedAt, order.PreparingAt, order.ReadyAt, order.CompletedAt, order.CancelledAt,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
