package main

import (
	"context"
	"fmt"
	"log"
	"net/http/httptest"
	"time"

	"MetaPilot/internal/agent"
	"MetaPilot/internal/api"
	"MetaPilot/internal/orchestrator"
	"MetaPilot/pkg/logger"
	"MetaPilot/sdk/go/metapilot"
)

// 在进程内启动一个完整的编排器，并通过 SDK 跑一次自主操作。
func main() {
	agents := []*agent.Agent{
		agent.New(agent.GovernorInfo(), agent.NewGovernor(agent.GovernorConfig{Logger: logger.Discard()}), agent.WithLogger(logger.Discard())),
		agent.New(agent.MarketIntelligenceInfo(), agent.MarketIntelligence{}, agent.WithLogger(logger.Discard())),
		agent.New(agent.RiskInfo(), agent.Risk{}, agent.WithLogger(logger.Discard())),
		agent.New(agent.DeFiInfo(), agent.DeFi{}, agent.WithLogger(logger.Discard())),
	}
	orch, err := orchestrator.New(agents, orchestrator.WithLogger(logger.Discard()))
	if err != nil {
		log.Fatal(err)
	}

	srv := httptest.NewServer(api.NewServer("", orch).Handler())
	defer srv.Close()

	client, err := metapilot.NewClient(srv.URL, srv.Client())
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	op, err := client.RunOperation(ctx, metapilot.OperationRequest{
		Type:          "yield_optimization",
		RiskTolerance: "low",
		Parameters:    map[string]any{"amount": 1000},
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("operation %s finished with status=%s progress=%.2f\n", op.ID, op.Status, op.Progress)
	for _, step := range op.Results {
		fmt.Printf("  step %d %s/%s success=%v\n", step.StepNumber, step.AgentType, step.StepType, step.Success)
	}

	if err := client.ProvideFeedback(ctx, op.ID, 5, "looks good"); err != nil {
		log.Fatal(err)
	}
	fmt.Println("feedback recorded")
}
