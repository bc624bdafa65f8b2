// Package middleware provides Store decorators: content encryption at rest
// and PII masking. Middlewares compose; the engine only ever sees plaintext.
package middleware

import "github.com/amberflow/stagehand/pkg/ports"

// Middleware allows wrapping a Store to add behavior.
type Middleware func(ports.Store) ports.Store
