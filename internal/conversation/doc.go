// Package conversation relays chat conversations to an external workflow
// engine and pushes the engine's asynchronous results back to clients.
//
// # Service
//
// Service is the only writer of transaction state:
//
//	svc := conversation.NewService(store, agents, dispatcher, broadcaster, cfg)
//
// Key operations:
//
//   - StartConversation(ctx, agentID, inputs): open a conversation and kick off the agent's webhook
//   - HandleMessage(ctx, conversationID, text): run "start"/"recall" or forward to the orchestrator
//   - IngestCallback(ctx, conversationID, secret, body): apply a workflow result and publish it
//
// # Commands
//
//   - start [description]: create a transaction and bind it to the conversation
//   - recall <text>: rebind to the most recently indexed transaction whose description contains text
//   - anything else: append to the bound transaction's history and dispatch
//
// # Broadcaster
//
// Broadcaster is the in-memory channel bus. Each conversation has one topic,
// "chat:<id>". Publishing never blocks; subscribers only see messages
// published after they subscribed.
//
// # Consistency
//
// Transaction updates are read-modify-write with a revision check. On a
// conflict the service re-reads and retries a bounded number of times.
// Mutations happen before dispatch, so a failed dispatch never leaves a
// half-written transaction.
package conversation
