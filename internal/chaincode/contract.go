// Package chaincode is the Fabric contract that stores prescription digests.
// It mirrors the storePrescription / verifyPrescription pair the EVM ledger
// exposes, so a Fabric network can back the same ledger interface.
package chaincode

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/rxtrust/rxtrust/internal/integrity"
)

const (
	anchorObjectType = "rxanchor"
	// EventAnchored is emitted when a digest is stored for the first time.
	EventAnchored = "PrescriptionAnchored"
)

// Anchor is the world-state entry for one digest.
type Anchor struct {
	Digest     string `json:"digest"`
	TxID       string `json:"txId"`
	AnchoredAt string `json:"anchoredAt"`
	Submitter  string `json:"submitter,omitempty"`
}

// PrescriptionContract anchors prescription digests. Storing is idempotent:
// the first transaction that stores a digest is the one that is kept.
type PrescriptionContract struct {
	contractapi.Contract
}

func anchorKey(ctx contractapi.TransactionContextInterface, digest string) (string, error) {
	return ctx.GetStub().CreateCompositeKey(anchorObjectType, []string{digest})
}

func normalise(digest string) (string, error) {
	digest = strings.ToLower(strings.TrimSpace(digest))
	if !integrity.Valid(digest) {
		return "", fmt.Errorf("malformed digest %q", digest)
	}
	return digest, nil
}

func (pc *PrescriptionContract) load(ctx contractapi.TransactionContextInterface, digest string) (*Anchor, error) {
	key, err := anchorKey(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to create key: %v", err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read world state: %v", err)
	}
	if raw == nil {
		return nil, nil
	}
	var a Anchor
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal anchor: %v", err)
	}
	return &a, nil
}

// StorePrescription records digest and returns the transaction id that
// anchored it. Re-submitting a digest returns the original transaction id.
func (pc *PrescriptionContract) StorePrescription(ctx contractapi.TransactionContextInterface, digest string) (string, error) {
	digest, err := normalise(digest)
	if err != nil {
		return "", err
	}
	existing, err := pc.load(ctx, digest)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.TxID, nil
	}

	stub := ctx.GetStub()
	anchor := Anchor{Digest: digest, TxID: stub.GetTxID()}
	if ts, err := stub.GetTxTimestamp(); err == nil && ts != nil {
		anchor.AnchoredAt = ts.AsTime().UTC().Format(time.RFC3339)
	}
	if ci := ctx.GetClientIdentity(); ci != nil {
		if msp, err := ci.GetMSPID(); err == nil {
			anchor.Submitter = msp
		}
	}

	payload, err := json.Marshal(anchor)
	if err != nil {
		return "", fmt.Errorf("failed to marshal anchor: %v", err)
	}
	key, err := anchorKey(ctx, digest)
	if err != nil {
		return "", fmt.Errorf("failed to create key: %v", err)
	}
	if err := stub.PutState(key, payload); err != nil {
		return "", fmt.Errorf("failed to put anchor to world state: %v", err)
	}
	if err := stub.SetEvent(EventAnchored, payload); err != nil {
		return "", fmt.Errorf("failed to emit event: %v", err)
	}
	return anchor.TxID, nil
}

// VerifyPrescription reports whether digest has been stored.
func (pc *PrescriptionContract) VerifyPrescription(ctx contractapi.TransactionContextInterface, digest string) (bool, error) {
	digest, err := normalise(digest)
	if err != nil {
		return false, err
	}
	a, err := pc.load(ctx, digest)
	if err != nil {
		return false, err
	}
	return a != nil, nil
}

// GetPrescriptionAnchor returns the stored entry for digest.
func (pc *PrescriptionContract) GetPrescriptionAnchor(ctx contractapi.TransactionContextInterface, digest string) (*Anchor, error) {
	digest, err := normalise(digest)
	if err != nil {
		return nil, err
	}
	a, err := pc.load(ctx, digest)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("digest %s has not been anchored", digest)
	}
	return a, nil
}

// NewChaincode wraps the contract for the Fabric peer.
func NewChaincode() (*contractapi.ContractChaincode, error) {
	contract := new(PrescriptionContract)
	contract.Name = "prescription"
	return contractapi.NewChaincode(contract)
}
