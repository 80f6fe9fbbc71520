// Package scheduler is the delivery engine for scheduled messages.
//
// # Overview
//
// Each engine owns one cron runner for recurring messages and one-shot timers
// for one-time messages. A trigger never executes business logic on the timer
// goroutine: it pushes a fire task onto a bounded queue drained by a worker
// pool, so a delivery blocked on network I/O cannot stall other sessions'
// timers.
//
// # Ownership
//
// Exactly one live job exists per message id, tracked by the registry. Edits
// and cancels take the job slot before mutating it; an in-flight fire that
// completes after a cancel finds the record gone and does nothing.
//
// # Recovery
//
// Reconcile rebuilds jobs from the durable store after a restart. Overdue
// one-time records are delivered inline (guarded by a TTL'd fire mark so a
// crash mid-reconcile does not double-deliver), recurring records are simply
// re-armed and cron picks the next future occurrence; missed recurring cycles
// are not caught up.
package scheduler
