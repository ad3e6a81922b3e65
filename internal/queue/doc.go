// Package queue defines the asynchronous work-dispatch contract shared by
// the HTTP layer structured as enqueue-side (dispatch) and the execute-side
// (worker): the job record and its lifecycle states, the broker interface
// that owns all job records, the registry binding queue names to handlers,
// the handler contract, backoff policies, and the error taxonomy.
//
// Two broker implementations live in subdirectories: memory (in-process,
// used for single-process deployments and tests) and postgres (durable,
// FOR UPDATE SKIP LOCKED). Both honour the full contract including
// visibility-timeout recovery and lease fencing.
package queue
