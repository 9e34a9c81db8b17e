package store

import (
	"context"
	"time"
)

// Operator is a human account that owns sites.
type Operator struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	PasswordHash string `json:"-"`
	Role         string `json:"role"`
	CreatedAt    int64  `json:"created_at"`
}

const operatorColumns = `id, email, name, password_hash, role, created_at`

// InsertOperator inserts a new operator.
func (s *Store) InsertOperator(ctx context.Context, op *Operator) error {
	if op.CreatedAt == 0 {
		op.CreatedAt = time.Now().UnixMilli()
	}
	if op.Role == "" {
		op.Role = "operator"
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO operators (`+operatorColumns+`) VALUES (?,?,?,?,?,?)`,
		op.ID, op.Email, op.Name, op.PasswordHash, op.Role, op.CreatedAt,
	)
	return err
}

// GetOperator returns an operator by ID.
func (s *Store) GetOperator(ctx context.Context, id string) (*Operator, error) {
	return s.getOperator(ctx, `SELECT `+operatorColumns+` FROM operators WHERE id = ?`, id)
}

// GetOperatorByEmail returns an operator by login email.
func (s *Store) GetOperatorByEmail(ctx context.Context, email string) (*Operator, error) {
	return s.getOperator(ctx, `SELECT `+operatorColumns+` FROM operators WHERE email = ?`, email)
}

func (s *Store) getOperator(ctx context.Context, query string, arg string) (*Operator, error) {
	op := &Operator{}
	err := s.DB.QueryRowContext(ctx, query, arg).Scan(
		&op.ID, &op.Email, &op.Name, &op.PasswordHash, &op.Role, &op.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return op, nil
}

// CountOperators returns the number of operators.
func (s *Store) CountOperators(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM operators`).Scan(&n)
	return n, err
}
