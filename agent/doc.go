// Package agent drives a model through one turn of a conversation.
//
// A Driver receives the prompt, already assembled from history and resolved
// file references, and returns a channel of events:
//
//   - EventText: assistant text to stream to the client
//   - EventToolUse: a tool call the consumer must permit and run. The
//     consumer answers on the event's Reply channel; the driver blocks until
//     it does.
//   - EventError: the turn failed; Err is a classified *errors.Record
//   - EventEndTurn: the turn finished with StopReason
//
// The stream is finite and not restartable. When the context is cancelled
// the driver stops at its next suspension point and closes the channel
// without a final event.
//
// LLMDriver implements Driver on top of an llm.LLMClient. Each model call
// goes through an errors.RetryPolicy, and the loop is bounded by MaxSteps,
// after which the turn ends with max_turn_requests.
package agent
