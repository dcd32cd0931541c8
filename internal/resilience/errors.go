// SPDX-License-Identifier: MIT

package resilience

import "errors"

// ErrOpen is returned by Execute when the breaker is open. Source clients
// wrap this as internal/errs.ErrCircuitOpen when surfacing it upward.
var ErrOpen = errors.New("resilience: circuit breaker open")
