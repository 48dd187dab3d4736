// Package agent provides connections to coding agents: a subprocess speaking
// the stream-json protocol, or a direct API backend (Anthropic, OpenAI).
//
// Invariants:
// - A Conn carries at most one turn at a time; callers serialize prompts.
// - The Messages channel is closed exactly once, when the connection dies.
// - Tool permission checks route through the Authorize callback only.
//
// Usage:
//
//	factory, _ := agent.NewFactory(agent.FactoryConfig{Backend: agent.BackendSubprocess}, logger)
//	conn, _ := factory.Open(ctx, agent.Options{WorkingDir: "/repo"})
//	_ = conn.Prompt(ctx, agent.Prompt{Text: "hello"})
//	for msg := range conn.Messages() {
//		_ = msg
//	}
package agent
