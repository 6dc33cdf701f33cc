package contextkeys

// contextKey is an unexported type to prevent collisions with context keys defined in
// other packages.
type contextKey string

// String makes contextKey satisfy the Stringer interface to assist with debugging.
func (c contextKey) String() string {
	return "gcloud-connector context key " + string(c)
}

// NamespaceKey is the key for the datastore namespace in context.Context
const NamespaceKey = contextKey("namespace")

// ConnectionKey is the key for the connection alias in context.Context
const ConnectionKey = contextKey("connection")

// TransactionIDKey is the key for the active transaction id in context.Context
const TransactionIDKey = contextKey("transactionID")

// RequestIDKey is the key for RequestID in context.Context
const RequestIDKey = contextKey("requestID")

// ComponentKey is the key for the component name in context.Context
const ComponentKey = contextKey("component")

// OperationKey is the key for the operation name in context.Context
const OperationKey = contextKey("operation")
