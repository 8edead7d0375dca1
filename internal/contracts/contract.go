// Package contracts records signed insurance contracts and announces each
// signing on the contract event topic.
package contracts

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ContractIDPrefix prefixes every generated contract identifier.
const ContractIDPrefix = "CONTRACT-"

var (
	ErrContractNotFound     = errors.New("contracts: contract not found")
	ErrDuplicateContract    = errors.New("contracts: contract already exists")
	ErrCustomerIDRequired   = errors.New("contracts: customer id is required")
	ErrProductIDRequired    = errors.New("contracts: product id is required")
	ErrPolicyNumberRequired = errors.New("contracts: policy number is required")
	ErrStoreRequired        = errors.New("contracts: store is required")
	ErrProducerRequired     = errors.New("contracts: producer is required")
	ErrEmptyBatch           = errors.New("contracts: no contracts provided in the batch request")
)

// Contract is a persisted signing.
type Contract struct {
	ID           int64     `json:"id"`
	ContractID   string    `json:"contractId"`
	CustomerID   string    `json:"customerId"`
	ProductID    string    `json:"productId"`
	PolicyNumber string    `json:"policyNumber"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SignRequest is the intent to sign one contract.
type SignRequest struct {
	CustomerID   string `json:"customerId"`
	ProductID    string `json:"productId"`
	PolicyNumber string `json:"policyNumber"`
}

// Validate reports every missing field at once.
func (r SignRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.CustomerID) == "" {
		errs = append(errs, ErrCustomerIDRequired)
	}
	if strings.TrimSpace(r.ProductID) == "" {
		errs = append(errs, ErrProductIDRequired)
	}
	if strings.TrimSpace(r.PolicyNumber) == "" {
		errs = append(errs, ErrPolicyNumberRequired)
	}
	return errors.Join(errs...)
}

// BatchSignRequest carries several sign requests handled one by one.
type BatchSignRequest struct {
	Contracts []SignRequest `json:"contracts"`
}

// Store persists contracts. Save assigns ID and returns the stored row.
type Store interface {
	Save(ctx context.Context, c Contract) (Contract, error)
	Get(ctx context.Context, contractID string) (Contract, error)
}
