// Package message defines the unit of transmission used by cmdbus.
//
// An [Envelope] wraps one command or one reply together with its routing and
// correlation metadata. Commands are plain Go values; they become envelopes
// through [NewEnvelope] and travel across a broker encoded by a [Codec]
// (CloudEvents structured JSON by default). A reply carries the id of the
// command it answers in [Envelope.CorrelationID].
//
// # Command Types
//
// The envelope type is taken from [Typed] when a command implements it.
// Otherwise a [NamingStrategy] derives it from the Go type name:
//
//	type CreateOrder struct{ ID string }
//	message.KebabNaming.TypeName(reflect.TypeOf(CreateOrder{})) // "create.order"
//
// # Partition Keys
//
// Commands that must be processed in order relative to each other share a
// partition key. A command exposes its key through [Keyed]; transports route
// all envelopes with the same key to the same channel.
//
// # Handling Context
//
// While a command handler runs, its context carries a [Handling] value (see
// [WithHandling]). Code running inside a handler must not send commands
// immediately; it registers them on the handling context instead and the host
// dispatches them after the handler returns.
package message
