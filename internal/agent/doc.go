// Package agent implements the decision agents of MetaPilot.
//
// An Agent wraps a Behavior (analyze/execute for one domain) together with a
// private experience memory and Q-learner, and drives every task through
// ProcessTask: store task, analyze, store decision, record, execute, store
// result, learn. ProcessTask is the only place where behavior errors and
// panics are turned into failed results.
//
// The Governor classifies tasks, delegates them to specialists, plans
// autonomous operations and summarises their outcome. DeFi, NFT, DAO,
// CrossChain, MarketIntelligence and Risk are deterministic specialists whose
// Execute methods simulate actions without signing transactions.
package agent
