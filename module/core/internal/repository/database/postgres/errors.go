package postgres

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
)

// query_canceled is what the server reports when statement_timeout fires.
const codeQueryCanceled pq.ErrorCode = "57014"

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == codeQueryCanceled {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrPersistenceTimeout, err)
	}
	return domain.PersistenceError(op, err)
}
