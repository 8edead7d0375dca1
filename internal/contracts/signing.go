package contracts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	runtimepkg "github.com/drblury/policyflow/internal/runtime"
	envelopepkg "github.com/drblury/policyflow/internal/runtime/envelope"
	"github.com/drblury/policyflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/policyflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/policyflow/internal/runtime/metadata"
)

// DefaultAgentID is stamped on contracts signed through the API.
const DefaultAgentID = "AGENT-007"

// SignResult pairs the stored contract with the broker acknowledgement.
type SignResult struct {
	Contract Contract
	Ack      runtimepkg.Ack
}

// BatchResult counts the outcome of SignBatch. Errors holds one entry per
// failed item, in request order.
type BatchResult struct {
	Succeeded int
	Failed    int
	Results   []SignResult
	Errors    []error
}

// Summary renders the result the way the batch endpoint reports it.
func (r BatchResult) Summary() string {
	return fmt.Sprintf("Batch contract signing completed. Success: %d, Failed: %d.", r.Succeeded, r.Failed)
}

// SigningOption customises a SigningService.
type SigningOption func(*SigningService)

// WithAgentID overrides DefaultAgentID.
func WithAgentID(agentID string) SigningOption {
	return func(s *SigningService) { s.agentID = agentID }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SigningOption {
	return func(s *SigningService) { s.now = now }
}

// SigningService persists a contract and only then publishes CONTRACT_SIGNED
// keyed by the policy number. No transaction spans the two steps: a contract
// can be stored without its event, never the other way round.
type SigningService struct {
	store    Store
	producer runtimepkg.Producer
	topic    string
	agentID  string
	logger   loggingpkg.ServiceLogger
	now      func() time.Time
	newID    func() string
}

func NewSigningService(store Store, producer runtimepkg.Producer, topic string, logger loggingpkg.ServiceLogger, opts ...SigningOption) (*SigningService, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if producer == nil {
		return nil, ErrProducerRequired
	}
	if topic == "" {
		return nil, fmt.Errorf("contracts: topic is required")
	}
	s := &SigningService{
		store:    store,
		producer: producer,
		topic:    topic,
		agentID:  DefaultAgentID,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Sign validates req, stores the contract and publishes the signing event.
// A publish failure is returned together with the already stored contract.
func (s *SigningService) Sign(ctx context.Context, req SignRequest) (SignResult, error) {
	return s.sign(ctx, req, "sign")
}

// SignBatch signs every request independently. A failure on one item never
// stops the rest.
func (s *SigningService) SignBatch(ctx context.Context, batch BatchSignRequest) (BatchResult, error) {
	if len(batch.Contracts) == 0 {
		return BatchResult{}, ErrEmptyBatch
	}

	var result BatchResult
	for _, req := range batch.Contracts {
		res, err := s.sign(ctx, req, "batch-sign")
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err)
			s.logger.Error("Batch contract failed", err, loggingpkg.LogFields{
				"customer_id":   req.CustomerID,
				"policy_number": req.PolicyNumber,
			})
			continue
		}
		result.Succeeded++
		result.Results = append(result.Results, res)
	}
	return result, nil
}

func (s *SigningService) sign(ctx context.Context, req SignRequest, source string) (SignResult, error) {
	if err := req.Validate(); err != nil {
		return SignResult{}, err
	}

	now := s.now().UTC()
	contract, err := s.store.Save(ctx, Contract{
		ContractID:   ContractIDPrefix + s.newID(),
		CustomerID:   req.CustomerID,
		ProductID:    req.ProductID,
		PolicyNumber: req.PolicyNumber,
		CreatedAt:    now,
	})
	if err != nil {
		return SignResult{}, err
	}
	s.logger.Info("Contract saved", loggingpkg.LogFields{
		"contract_id":   contract.ContractID,
		"policy_number": contract.PolicyNumber,
	})

	payload, err := jsoncodec.Marshal(signedPayload{
		ContractID: contract.ContractID,
		ProductID:  contract.ProductID,
		Timestamp:  now.UnixMilli(),
	})
	if err != nil {
		return SignResult{Contract: contract}, fmt.Errorf("contracts: encode payload: %w", err)
	}

	env := envelopepkg.New(envelopepkg.TypeContractSigned, contract.PolicyNumber, contract.CustomerID, s.agentID, payload)
	ack, err := s.producer.Publish(ctx, s.topic, env, runtimepkg.WithMetadata(metadatapkg.New(
		"contract_id", contract.ContractID,
		"source", source,
	)))
	if err != nil {
		return SignResult{Contract: contract}, fmt.Errorf("contracts: publish %s: %w", contract.ContractID, err)
	}
	return SignResult{Contract: contract, Ack: ack}, nil
}

type signedPayload struct {
	ContractID string `json:"contractId"`
	ProductID  string `json:"productId"`
	Timestamp  int64  `json:"timestamp"`
}
