// Package cmdbus dispatches commands to remote handlers over a partitioned
// message transport and correlates their replies.
//
// A Bus accepts command values, wraps each in a message.Envelope and hands
// it to a single send worker, which routes it to one of N outbound queues by
// partition key and retries transport failures until the bus stops. A
// single reply worker receives replies on the reply queue and resolves the
// Future of the matching command. Commands sharing a partition key always
// use the same queue and so keep their order.
//
// Basic usage:
//
//	client := transport.NewClient(broker, transport.ClientConfig{
//	    Queues:     []string{"commands-0", "commands-1"},
//	    ReplyQueue: "replies",
//	})
//	bus := cmdbus.New(client, cmdbus.Config{})
//	if err := bus.Start(ctx); err != nil {
//	    return err
//	}
//	defer bus.Stop()
//
//	order, err := cmdbus.SendAndAwait[Order](ctx, bus, CreateOrder{ID: "o-1"})
//
// Cancelling the context passed to Send removes the pending entry; a reply
// that arrives later is acknowledged and dropped.
//
// Code running inside a command handler must not call Send. Use Add to
// register follow-up commands on the handling context instead; they are
// dispatched once the handler returns.
//
// Commands not yet confirmed as transmitted can be persisted in an Outbox.
// The send worker replays them on Start and removes each one after it has
// been transmitted.
package cmdbus
