// Package notify pushes answer_ready events to websocket subscribers so a
// page can fetch the new answer without polling.
package notify
