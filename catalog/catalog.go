// Package catalog holds the built-in workflow definitions for the
// platform's six workflow types. Each definition binds its steps to named
// handlers from a workflow.HandlerRegistry; the surrounding service
// registers the handlers, the catalog supplies the shape.
package catalog

import (
	"fmt"
	"time"

	"github.com/goliatone/go-workflow"
)

// Step handler names the catalog binds against. Services register
// implementations under these names before building the catalog.
const (
	HandlerValidateContractCode = "validate_contract_code"
	HandlerDeployContract       = "deploy_contract"
	HandlerVerifyDeployment     = "verify_deployment"
	HandlerRegisterContract     = "register_contract"
	HandlerUnregisterContract   = "unregister_contract"
	HandlerRemoveContract       = "remove_contract"

	HandlerValidateTrade = "validate_trade"
	HandlerReserveFunds  = "reserve_funds"
	HandlerExecuteTrade  = "execute_trade"
	HandlerSettleTrade   = "settle_trade"
	HandlerReleaseFunds  = "release_funds"
	HandlerReverseTrade  = "reverse_trade"

	HandlerPrepareDataset = "prepare_dataset"
	HandlerRunInference   = "run_inference"
	HandlerPostProcess    = "post_process"
	HandlerPublishResults = "publish_results"
	HandlerDiscardResults = "discard_results"

	HandlerFetchLedgerRange  = "fetch_ledger_range"
	HandlerCompareIndex      = "compare_index"
	HandlerRecordMismatches  = "record_mismatches"
	HandlerRefreshHoldings   = "refresh_holdings"
	HandlerPriceHoldings     = "price_holdings"
	HandlerSnapshotPortfolio = "snapshot_portfolio"

	HandlerCheckEligibility = "check_reward_eligibility"
	HandlerMintReward       = "mint_reward"
	HandlerNotifyUser       = "notify_user"
	HandlerRevokeReward     = "revoke_reward"
)

type definitionBuilder func(*workflow.HandlerRegistry) (workflow.Definition, error)

// Register installs every built-in workflow type into the definition
// registry. It fails when a required handler is missing so wiring gaps
// surface at startup rather than mid-workflow.
func Register(registry *workflow.DefinitionRegistry, handlers *workflow.HandlerRegistry) error {
	builders := []definitionBuilder{
		ContractDeployment,
		TradeExecution,
		AIJobChain,
		IndexingVerification,
		PortfolioUpdate,
		RewardGrant,
	}
	for _, build := range builders {
		def, err := build(handlers)
		if err != nil {
			return err
		}
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// ContractDeployment validates, deploys, verifies, and registers a smart
// contract. Deployment and registration are compensated in reverse when a
// later step fails for good.
func ContractDeployment(handlers *workflow.HandlerRegistry) (workflow.Definition, error) {
	steps, err := buildSteps(handlers, []stepSpec{
		{name: "validate_contract_code", handler: HandlerValidateContractCode, idempotent: true, maxRetries: 1},
		{name: "deploy_contract", handler: HandlerDeployContract, maxRetries: 3, timeout: 2 * time.Minute, compensation: HandlerRemoveContract},
		{name: "verify_deployment", handler: HandlerVerifyDeployment, idempotent: true, maxRetries: 5, timeout: time.Minute},
		{name: "register_contract", handler: HandlerRegisterContract, idempotent: true, maxRetries: 3, compensation: HandlerUnregisterContract},
	})
	if err != nil {
		return workflow.Definition{}, err
	}
	return workflow.Definition{
		Type:                 workflow.TypeContractDeployment,
		Steps:                steps,
		MaxRetries:           3,
		RequiresCompensation: true,
	}, nil
}

// TradeExecution reserves funds, executes, and settles a trade. Reserved
// funds are released and executed trades reversed on compensation.
func TradeExecution(handlers *workflow.HandlerRegistry) (workflow.Definition, error) {
	steps, err := buildSteps(handlers, []stepSpec{
		{name: "validate_trade", handler: HandlerValidateTrade, idempotent: true, maxRetries: 1},
		{name: "reserve_funds", handler: HandlerReserveFunds, maxRetries: 3, timeout: 30 * time.Second, compensation: HandlerReleaseFunds},
		{name: "execute_trade", handler: HandlerExecuteTrade, maxRetries: 3, timeout: time.Minute, compensation: HandlerReverseTrade},
		{name: "settle_trade", handler: HandlerSettleTrade, idempotent: true, maxRetries: 5},
	})
	if err != nil {
		return workflow.Definition{}, err
	}
	return workflow.Definition{
		Type:                 workflow.TypeTradeExecution,
		Steps:                steps,
		MaxRetries:           2,
		RequiresCompensation: true,
	}, nil
}

// AIJobChain prepares a dataset, runs inference, post-processes, and
// publishes results. Published results are discarded on compensation.
func AIJobChain(handlers *workflow.HandlerRegistry) (workflow.Definition, error) {
	steps, err := buildSteps(handlers, []stepSpec{
		{name: "prepare_dataset", handler: HandlerPrepareDataset, idempotent: true, maxRetries: 3, timeout: 5 * time.Minute},
		{name: "run_inference", handler: HandlerRunInference, idempotent: true, maxRetries: 3, timeout: 10 * time.Minute},
		{name: "post_process", handler: HandlerPostProcess, idempotent: true, maxRetries: 3, timeout: 2 * time.Minute},
		{name: "publish_results", handler: HandlerPublishResults, maxRetries: 5, compensation: HandlerDiscardResults},
	})
	if err != nil {
		return workflow.Definition{}, err
	}
	return workflow.Definition{
		Type:                 workflow.TypeAIJobChain,
		Steps:                steps,
		MaxRetries:           3,
		RequiresCompensation: true,
	}, nil
}

// IndexingVerification compares an indexed ledger range against the chain
// and records any mismatches. Read-only: nothing to compensate.
func IndexingVerification(handlers *workflow.HandlerRegistry) (workflow.Definition, error) {
	steps, err := buildSteps(handlers, []stepSpec{
		{name: "fetch_ledger_range", handler: HandlerFetchLedgerRange, idempotent: true, maxRetries: 5, timeout: 2 * time.Minute},
		{name: "compare_index", handler: HandlerCompareIndex, idempotent: true, maxRetries: 3},
		{name: "record_mismatches", handler: HandlerRecordMismatches, idempotent: true, maxRetries: 5},
	})
	if err != nil {
		return workflow.Definition{}, err
	}
	return workflow.Definition{
		Type:       workflow.TypeIndexingVerification,
		Steps:      steps,
		MaxRetries: 5,
	}, nil
}

// PortfolioUpdate refreshes, prices, and snapshots a user's holdings.
// Idempotent throughout: a re-run overwrites the same snapshot.
func PortfolioUpdate(handlers *workflow.HandlerRegistry) (workflow.Definition, error) {
	steps, err := buildSteps(handlers, []stepSpec{
		{name: "refresh_holdings", handler: HandlerRefreshHoldings, idempotent: true, maxRetries: 3, timeout: time.Minute},
		{name: "price_holdings", handler: HandlerPriceHoldings, idempotent: true, maxRetries: 5, timeout: 30 * time.Second},
		{name: "snapshot_portfolio", handler: HandlerSnapshotPortfolio, idempotent: true, maxRetries: 3},
	})
	if err != nil {
		return workflow.Definition{}, err
	}
	return workflow.Definition{
		Type:       workflow.TypePortfolioUpdate,
		Steps:      steps,
		MaxRetries: 3,
	}, nil
}

// RewardGrant checks eligibility, mints the reward, and notifies the
// user. Minted rewards are revoked on compensation; a failed notification
// never claws the reward back, so notify_user carries no compensation.
func RewardGrant(handlers *workflow.HandlerRegistry) (workflow.Definition, error) {
	steps, err := buildSteps(handlers, []stepSpec{
		{name: "check_eligibility", handler: HandlerCheckEligibility, idempotent: true, maxRetries: 1},
		{name: "mint_reward", handler: HandlerMintReward, maxRetries: 3, timeout: time.Minute, compensation: HandlerRevokeReward},
		{name: "notify_user", handler: HandlerNotifyUser, idempotent: true, maxRetries: 5},
	})
	if err != nil {
		return workflow.Definition{}, err
	}
	return workflow.Definition{
		Type:                 workflow.TypeRewardGrant,
		Steps:                steps,
		MaxRetries:           2,
		RequiresCompensation: true,
	}, nil
}

type stepSpec struct {
	name         string
	handler      string
	compensation string
	idempotent   bool
	maxRetries   int
	timeout      time.Duration
}

func buildSteps(handlers *workflow.HandlerRegistry, specs []stepSpec) ([]workflow.StepDefinition, error) {
	steps := make([]workflow.StepDefinition, 0, len(specs))
	for _, spec := range specs {
		handler, ok := handlers.Lookup(spec.handler)
		if !ok {
			return nil, fmt.Errorf("catalog: step %s requires handler %q", spec.name, spec.handler)
		}
		sd := workflow.StepDefinition{
			Name:         spec.name,
			Handler:      handler,
			IsIdempotent: spec.idempotent,
			MaxRetries:   spec.maxRetries,
			Timeout:      spec.timeout,
		}
		if spec.compensation != "" {
			if _, ok := handlers.LookupCompensation(spec.compensation); !ok {
				return nil, fmt.Errorf("catalog: step %s requires compensation handler %q", spec.name, spec.compensation)
			}
			sd.CompensationRef = spec.compensation
		}
		steps = append(steps, sd)
	}
	return steps, nil
}
