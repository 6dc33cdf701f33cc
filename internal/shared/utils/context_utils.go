package utils

import (
	"context"
	"errors"

	"gcloud-connector/internal/shared/contextkeys"
)

// Common context errors
var (
	ErrNamespaceNotFound        = errors.New("namespace not found in context")
	ErrNamespaceNotString       = errors.New("namespace in context is not a string")
	ErrConnectionNotFound       = errors.New("connection alias not found in context")
	ErrConnectionNotString      = errors.New("connection alias in context is not a string")
	ErrTransactionIDNotFound    = errors.New("transactionID not found in context")
	ErrTransactionIDNotString   = errors.New("transactionID in context is not a string")
	ErrRequestIDNotFound        = errors.New("requestID not found in context")
	ErrRequestIDNotString       = errors.New("requestID in context is not a string")
)

// GetNamespaceFromContext retrieves the datastore namespace from the context.
// It returns the namespace and an error if the namespace is not found or is not a string.
func GetNamespaceFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(contextkeys.NamespaceKey)
	if val == nil {
		return "", ErrNamespaceNotFound
	}
	namespace, ok := val.(string)
	if !ok {
		return "", ErrNamespaceNotString
	}
	return namespace, nil
}

// GetConnectionFromContext retrieves the connection alias from the context.
func GetConnectionFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(contextkeys.ConnectionKey)
	if val == nil {
		return "", ErrConnectionNotFound
	}
	alias, ok := val.(string)
	if !ok {
		return "", ErrConnectionNotString
	}
	return alias, nil
}

// GetTransactionIDFromContext retrieves the active transaction id from the context.
func GetTransactionIDFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(contextkeys.TransactionIDKey)
	if val == nil {
		return "", ErrTransactionIDNotFound
	}
	txID, ok := val.(string)
	if !ok {
		return "", ErrTransactionIDNotString
	}
	return txID, nil
}

// GetRequestIDFromContext retrieves the request ID from the context.
func GetRequestIDFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(contextkeys.RequestIDKey)
	if val == nil {
		return "", ErrRequestIDNotFound
	}
	requestID, ok := val.(string)
	if !ok {
		return "", ErrRequestIDNotString
	}
	return requestID, nil
}

// Context builder functions

// WithNamespace adds the datastore namespace to context
func WithNamespace(ctx context.Context, namespace string) context.Context {
	return context.WithValue(ctx, contextkeys.NamespaceKey, namespace)
}

// WithConnection adds the connection alias to context
func WithConnection(ctx context.Context, alias string) context.Context {
	return context.WithValue(ctx, contextkeys.ConnectionKey, alias)
}

// WithTransactionID adds the active transaction id to context
func WithTransactionID(ctx context.Context, txID string) context.Context {
	return context.WithValue(ctx, contextkeys.TransactionIDKey, txID)
}

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextkeys.RequestIDKey, requestID)
}

// WithComponent adds component name to context
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, contextkeys.ComponentKey, component)
}

// WithOperation adds operation name to context
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, contextkeys.OperationKey, operation)
}

// Optional getters that return default values instead of errors

// GetNamespaceOrDefault retrieves the namespace from context or returns a default value
func GetNamespaceOrDefault(ctx context.Context, def string) string {
	if v, err := GetNamespaceFromContext(ctx); err == nil {
		return v
	}
	return def
}

// GetConnectionOrDefault retrieves the connection alias from context or returns a default value
func GetConnectionOrDefault(ctx context.Context, def string) string {
	if v, err := GetConnectionFromContext(ctx); err == nil {
		return v
	}
	return def
}

// HasX checks
func HasNamespace(ctx context.Context) bool {
	_, err := GetNamespaceFromContext(ctx)
	return err == nil
}

func HasTransactionID(ctx context.Context) bool {
	_, err := GetTransactionIDFromContext(ctx)
	return err == nil
}

// InTransaction reports whether the context carries an active transaction.
func InTransaction(ctx context.Context) bool {
	return HasTransactionID(ctx)
}
