package gentimemongo

import (
	"errors"
	"strings"

	"github.com/lemmego/gentime"
	"go.mongodb.org/mongo-driver/mongo"
)

// =====================================
// Error Conversion
// =====================================

// convertMongoError converts MongoDB errors to gentime errors
func convertMongoError(err error) error {
	if err == nil {
		return nil
	}
	var gerr gentime.Error
	if errors.As(err, &gerr) {
		return err
	}

	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return gentime.NewErrorWithCause(gentime.ErrorTypeNotFound, "document not found", err)
	case errors.Is(err, mongo.ErrNilDocument), errors.Is(err, mongo.ErrNilValue):
		return gentime.NewErrorWithCause(gentime.ErrorTypeValidation, "nil document provided", err)
	}

	if mongo.IsDuplicateKeyError(err) {
		return gentime.NewErrorWithCause(gentime.ErrorTypeDuplicate, "duplicate key violation", err)
	}

	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		for _, we := range writeErr.WriteErrors {
			if we.Code == 121 { // DocumentValidationFailure
				return gentime.NewErrorWithCause(gentime.ErrorTypeValidation, "document validation failed", err)
			}
		}
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case 26: // NamespaceNotFound
			return gentime.NewErrorWithCause(gentime.ErrorTypeNotFound, "collection not found", err)
		case 13, 18: // Unauthorized, AuthenticationFailed
			return gentime.NewErrorWithCause(gentime.ErrorTypeConnection, "authentication failed", err)
		case 244, 251: // TransactionTooOld, NoSuchTransaction
			return gentime.NewErrorWithCause(gentime.ErrorTypeTransaction, "transaction aborted", err)
		}
	}

	if mongo.IsTimeout(err) {
		return gentime.NewErrorWithCause(gentime.ErrorTypeTimeout, "operation timeout", err)
	}
	if mongo.IsNetworkError(err) || strings.Contains(strings.ToLower(err.Error()), "connection") {
		return gentime.NewErrorWithCause(gentime.ErrorTypeConnection, "connection error", err)
	}
	return gentime.NewErrorWithCause(gentime.ErrorTypeDatabase, "database operation failed", err)
}
