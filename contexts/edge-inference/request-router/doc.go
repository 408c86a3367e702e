// Package requestrouter contains the edgeway request routing and offline
// queueing core: admission against the memory budget, backend selection
// behind per-backend circuit breakers, and a durable priority queue drained
// in the background.
//
// Domain and application logic stay decoupled from runtime concerns through
// ports and adapter composition.
package requestrouter
