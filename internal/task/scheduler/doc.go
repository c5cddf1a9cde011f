// Package scheduler registers named schedules (cron or fixed interval) and turns each firing
// into a task on the engine. It computes trigger times only; execution, overlap gating and
// timeouts belong to internal/task/engine.
package scheduler
