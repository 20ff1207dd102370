package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	database, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an operation loses a race against another
// writer, for example approving a pending action that has already been
// rejected, or creating a tenant whose name is already taken.
var ErrConflict = errors.New("record already exists or changed concurrently")
