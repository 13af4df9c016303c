package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mozilla/addons-server-sub004/internal/db"
	"github.com/mozilla/addons-server-sub004/internal/db/models"
)

// UserRepository reads workflow actors.
type UserRepository interface {
	Get(ctx context.Context, id int64) (*models.User, error)
}

type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

func (r *userRepository) Get(ctx context.Context, id int64) (*models.User, error) {
	u := &models.User{}
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id, username, permissions FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.Permissions)
	if err != nil {
		return nil, db.WrapError(err, "get user")
	}
	return u, nil
}
