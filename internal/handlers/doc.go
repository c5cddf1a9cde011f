// Package handlers holds the built-in trigger handlers.
//
//	echo       UI trigger: answers with its payload, optionally after a delay or failing
//	heartbeat  time-based trigger: logs and schedules its own next run
package handlers
