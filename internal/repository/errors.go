package repository

import (
	"errors"

	"github.com/damoang/bagtag-backend/internal/common"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// pgUniqueViolation postgres SQLSTATE unique_violation
const pgUniqueViolation = "23505"

// ErrShortIDTaken 이미 사용 중인 short id
var ErrShortIDTaken = common.New(common.CodeInvalidInput, "short id already in use")

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
