package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/goliatone/go-workflow"
)

func fullRegistry(t *testing.T) *workflow.HandlerRegistry {
	t.Helper()
	handlers := workflow.NewHandlerRegistry()
	noop := func(_ context.Context, _ workflow.StepRequest) (*workflow.StepResult, error) {
		return &workflow.StepResult{}, nil
	}
	noopComp := func(_ context.Context, _ workflow.CompensationRequest) error { return nil }

	stepNames := []string{
		HandlerValidateContractCode, HandlerDeployContract, HandlerVerifyDeployment, HandlerRegisterContract,
		HandlerValidateTrade, HandlerReserveFunds, HandlerExecuteTrade, HandlerSettleTrade,
		HandlerPrepareDataset, HandlerRunInference, HandlerPostProcess, HandlerPublishResults,
		HandlerFetchLedgerRange, HandlerCompareIndex, HandlerRecordMismatches,
		HandlerRefreshHoldings, HandlerPriceHoldings, HandlerSnapshotPortfolio,
		HandlerCheckEligibility, HandlerMintReward, HandlerNotifyUser,
	}
	for _, name := range stepNames {
		if err := handlers.Register(name, noop); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	compNames := []string{
		HandlerRemoveContract, HandlerUnregisterContract,
		HandlerReleaseFunds, HandlerReverseTrade,
		HandlerDiscardResults, HandlerRevokeReward,
	}
	for _, name := range compNames {
		if err := handlers.RegisterCompensation(name, noopComp); err != nil {
			t.Fatalf("register compensation %s: %v", name, err)
		}
	}
	return handlers
}

func TestRegisterInstallsAllWorkflowTypes(t *testing.T) {
	registry := workflow.NewDefinitionRegistry()
	if err := Register(registry, fullRegistry(t)); err != nil {
		t.Fatalf("register catalog: %v", err)
	}
	want := []string{
		workflow.TypeAIJobChain,
		workflow.TypeContractDeployment,
		workflow.TypeIndexingVerification,
		workflow.TypePortfolioUpdate,
		workflow.TypeRewardGrant,
		workflow.TypeTradeExecution,
	}
	got := registry.Types()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected types %v, got %v", want, got)
	}
}

func TestContractDeploymentShape(t *testing.T) {
	def, err := ContractDeployment(fullRegistry(t))
	if err != nil {
		t.Fatalf("build definition: %v", err)
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !def.RequiresCompensation {
		t.Fatalf("expected compensating definition")
	}
	want := []string{"validate_contract_code", "deploy_contract", "verify_deployment", "register_contract"}
	if len(def.Steps) != len(want) {
		t.Fatalf("expected %d steps, got %d", len(want), len(def.Steps))
	}
	for i, name := range want {
		if def.Steps[i].Name != name {
			t.Fatalf("step %d: expected %s, got %s", i, name, def.Steps[i].Name)
		}
	}
	if def.Steps[1].CompensationRef != HandlerRemoveContract {
		t.Fatalf("expected deploy compensation, got %q", def.Steps[1].CompensationRef)
	}
	if def.Steps[1].IsIdempotent {
		t.Fatalf("deploy_contract must not be marked idempotent")
	}
	if !def.Steps[2].IsIdempotent {
		t.Fatalf("verify_deployment should be idempotent")
	}
}

func TestCatalogRejectsMissingHandlers(t *testing.T) {
	handlers := workflow.NewHandlerRegistry()
	if _, err := TradeExecution(handlers); err == nil {
		t.Fatalf("expected error for missing handlers")
	}

	registry := workflow.NewDefinitionRegistry()
	if err := Register(registry, handlers); err == nil {
		t.Fatalf("expected catalog registration failure")
	}
}

func TestReadOnlyDefinitionsCarryNoCompensation(t *testing.T) {
	for name, build := range map[string]func(*workflow.HandlerRegistry) (workflow.Definition, error){
		"indexing":  IndexingVerification,
		"portfolio": PortfolioUpdate,
	} {
		def, err := build(fullRegistry(t))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if def.RequiresCompensation {
			t.Fatalf("%s: read-only workflow must not compensate", name)
		}
		for _, step := range def.Steps {
			if step.CompensationRef != "" || step.Compensation != nil {
				t.Fatalf("%s: unexpected compensation on %s", name, step.Name)
			}
		}
	}
}
