package utils

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetSetContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithNamespace(ctx, "ns1")
	ctx = WithConnection(ctx, "default")
	ctx = WithTransactionID(ctx, "tx1")
	ctx = WithRequestID(ctx, "req1")
	ctx = WithComponent(ctx, "componentA")
	ctx = WithOperation(ctx, "opX")

	namespace, err := GetNamespaceFromContext(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "ns1", namespace)

	alias, err := GetConnectionFromContext(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "default", alias)

	txID, err := GetTransactionIDFromContext(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "tx1", txID)

	reqID, err := GetRequestIDFromContext(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "req1", reqID)

	assert.True(t, HasNamespace(ctx))
	assert.True(t, HasTransactionID(ctx))
	assert.True(t, InTransaction(ctx))

	assert.Equal(t, "ns1", GetNamespaceOrDefault(ctx, "default"))
	assert.Equal(t, "default", GetConnectionOrDefault(ctx, "fallback"))
}

func TestContextUtils_MissingValues(t *testing.T) {
	ctx := context.Background()
	_, err := GetNamespaceFromContext(ctx)
	assert.Error(t, err)
	assert.Equal(t, "namespace not found in context", err.Error())

	assert.Equal(t, "default", GetNamespaceOrDefault(ctx, "default"))
	assert.False(t, HasNamespace(ctx))
	assert.False(t, InTransaction(ctx))
}
